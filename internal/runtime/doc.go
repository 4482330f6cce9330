// Package runtime wires storage, the read index and its writers into a
// single-node flostore instance.
//
// Open opens Pebble, the event log and its checkpoints, rebuilds the read
// index up to the replication checkpoint and builds the chaser and the
// writer service over it. The caller owns the chaser loop:
//
//	rt, err := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	if err != nil {
//		return err
//	}
//	defer rt.Close()
//	go rt.Chaser().Run(ctx)
//	res, err := rt.Writer().WriteEvents(ctx, "orders-1", readindex.ExpectedVersionNoStream, events)
package runtime
