// Package leash wraps agent-issued shell commands with policy screening,
// sandboxed execution, an append-only audit trail, and file rollback.
//
// Every command runs as a bounded session: it is screened against a named
// policy's block patterns, launched inside either Linux namespaces or a
// Docker container, observed while it runs, and closed with a terminal
// status. Everything a session does is appended to a per-session JSONL log,
// and pre-images of files the session touches are kept so its changes can be
// undone afterwards.
//
// Key features:
//   - Regex-based pre-execution screening with named policies
//   - Namespace or container isolation behind one interface
//   - Durable per-session audit logs and a sessions index
//   - First-mutation file backups with step-wise rollback
//   - A monitoring daemon that polls managed containers
//
// Basic usage:
//
//	runner, err := leash.New(leash.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := runner.Run(ctx, "python train.py",
//	    leash.WithPolicy("paranoid"))
package leash
