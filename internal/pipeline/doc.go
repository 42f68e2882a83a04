// Package pipeline wires container extraction, record decoding, unit
// conversion and sequence assembly into one call per archive.
//
// Each channel payload is decoded, converted with the scale entry of the
// channel's model and assembled into test runs. Channels are independent:
// they run concurrently up to Options.Concurrency and a failing channel is
// reported on its ChannelResult without affecting its siblings.
//
//	p := pipeline.New(pipeline.Options{GapTolerance: 2})
//	res, err := p.DecodeFile(ctx, "cell-0001.ndax")
//	if err != nil {
//		return err // archive unreadable
//	}
//	for _, ch := range res.Channels {
//		...
//	}
//
// Remote channels are assembled the same way through AssembleSource.
package pipeline
