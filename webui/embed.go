// Package webui provides the embedded web pages for Rosterboard.
//
// This package uses Go's embed directive to include the roster pages at
// compile time. This enables single-binary deployment without external
// asset files.
//
// The embedded assets are served by the server package at "/" and "/main".
package webui

import "embed"

// Assets is an embedded filesystem containing the web pages.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Landing page
//	  main.html     - Roster page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
