// Package config holds the settings of the gridforge binary: where the file
// store lives and how large it may grow, whether the cache is used, how many
// local workers run, how the remote server tracks its workers, and how logs
// look.
//
// Values come from Defaults, then an optional HCL file, then GRIDFORGE_*
// environment variables; command-line flags are applied last by the caller.
package config
