// Package web holds the HTML templates and static assets of the tokencache
// web UI.
package web

import "embed"

// FS contains the embedded web templates and static assets.
//
//go:embed *.tmpl.html css/*
var FS embed.FS

// Template file names.
const (
	PartialsTemplate = "partials.tmpl.html"
	HomeTemplate     = "home.tmpl.html"
	ErrorTemplate    = "error.tmpl.html"
)
