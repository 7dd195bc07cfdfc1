// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"embed"
	"io/fs"
)

//go:embed static/*.html
var staticFiles embed.FS

// webAssets is the browser UI served at "/" by the producer and the register
// debug tool.
func webAssets() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
