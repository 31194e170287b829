// Package prompts embeds the pipeline prompt files.
package prompts

import "embed"

//go:embed *.md
var PromptsFS embed.FS
