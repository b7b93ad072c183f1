// Package cli builds the gridforge command tree, translates flags into
// application settings and maps failures to process exit codes.
package cli
