package web

import "embed"

// FS holds the dashboard page, its stylesheet and script.
//
//go:embed *.html *.css *.js
var FS embed.FS
