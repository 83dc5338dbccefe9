/*************************************************************************
 * Copyright 2026 The habitat Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package habitatversion holds this build's version string.
package habitatversion

import (
	"fmt"
	"io"
)

const (
	MajorVersion = 0
	MinorVersion = 1
	PointVersion = 0
)

// String returns the dotted major.minor.point version.
func String() string {
	return fmt.Sprintf("%d.%d.%d", MajorVersion, MinorVersion, PointVersion)
}

// PrintVersion writes the version to wtr, for a --version flag.
func PrintVersion(wtr io.Writer) {
	fmt.Fprintf(wtr, "Version:\t%s\n", String())
}
