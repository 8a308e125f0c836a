// Package changed exposes the Go APIs behind the change workspace control
// plane: a small lifecycle server that scaffolds change workspaces (proposal,
// tasks, delta), archives them one-way, and coordinates concurrent agents
// through advisory per-change file locks with audited stale-lock reclaim.
//
// # Running a server
//
// The server binds the HTTP streaming transports (NDJSON and SSE framings of
// the same request envelope) on Config.Listen and manages the workspace tree
// rooted at Config.Root:
//
//	cfg := changed.Config{
//	    Root:   "/srv/changes",
//	    Listen: ":9346",
//	}
//	srv, err := changed.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("changed: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("changed shutdown: %v", err)
//	    }
//	}()
//
// For editor and agent integrations the same server speaks the line-oriented
// stdio transport:
//
//	srv.ServeStdio(ctx, os.Stdin, os.Stdout)
//
// Every transport funnels into one protocol dispatcher: initialize first,
// then tools/call (change.open, change.archive), tools/list, resources/list,
// and resources/read, then shutdown. Responses carry either a result or a
// machine-coded error, never both.
//
// # Locking model
//
// Locks are advisory and per-slug. Acquisition is an atomic create-exclusive
// link of the lock file, so mutual exclusion holds across independent
// processes sharing the directory, including network mounts when
// Config.NetworkFilesystem widens the verification retries. Expired locks
// are reclaimed through a ranked, audited policy; forced reclaims require
// explicit confirmation and land in the append-only audit log next to the
// lock files.
//
// # Embedding
//
// StartServer launches a server in a goroutine, waits for readiness, and
// returns a stop function. Tools and Resources expose the shared registry
// and provider so the MCP facade in pkt.systems/changed/mcp can serve the
// same workspace tree over the Model Context Protocol.
package changed
