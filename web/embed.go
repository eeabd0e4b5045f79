package webassets

import "embed"

// FS contains the browser client served at /static/site-client.js.
//
//go:embed site-client.js
var FS embed.FS
