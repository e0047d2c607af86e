// Package webcommon holds the assets shared by the browser facing pages.
package webcommon

import "embed"

// Static is served under /static/.
//
//go:embed *.css
var Static embed.FS
