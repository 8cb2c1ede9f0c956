// Package assets embeds the front-end bundle served by the static asset
// server. The front-end itself is built separately; this package only
// carries the bundle through the binary.
package assets

import "embed"

//go:embed static
var FS embed.FS

// Root is the subdirectory within FS holding the site root.
const Root = "static"
