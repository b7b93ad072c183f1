// Package hcladapter reads DAG files written in HCL.
//
// A DAG file declares files, executions and execution groups:
//
//	config {
//	  keep_going = true
//	}
//
//	file "src" { path = "main.c" }          # provided from disk
//	file "greeting" { content = "hi" }      # provided inline
//	file "obj" {}                           # produced by an execution
//
//	execution "compile" {
//	  command = "cc"
//	  args    = ["-c", "main.c", "-o", "main.o"]
//	  inputs  = { "main.c" = "src" }
//	  outputs = { "main.o" = "obj" }
//	  limits {
//	    wall_time = "10s"
//	    memory    = "512MiB"
//	    outputs   = 4               # files left besides the inputs
//	  }
//	}
//
//	group "pair" {
//	  fifos = ["requests", "replies"]  # named pipes under fifo/
//	  execution "server" { ... }
//	  execution "client" { ... }
//	}
//
// Expressions may use env.NAME for environment variables, a small set of
// string and collection functions (format, join, upper, lower, concat,
// length), and file("path") to read a file next to the DAG file.
package hcladapter
