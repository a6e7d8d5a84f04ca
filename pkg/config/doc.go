// Package config loads workflow definitions and phase plans from YAML
// files. Every document is validated twice before use: its raw shape is
// unified with the built-in CUE schemas, then the decoded specs are checked
// against their struct validation tags. The loader keeps the last valid
// snapshot and can watch the source paths for changes, reloading atomically
// and keeping the previous snapshot when a reload fails validation.
package config
