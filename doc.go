/*
Package rtprx receives the multicast RTP output of a ka9q-radio style SDR
server and turns its arbitrary arrival order back into per-channel sample
streams with explicit accounting for everything that goes missing.

Each channel (SSRC) gets its own Stream: a bounded reorder window keyed by
the 16-bit sequence number, a gap classifier that attributes lost sample
counts from 32-bit timestamp deltas, and a GPS-anchored wallclock for the
capture time of every payload.

The Receiver joins a group and demultiplexes it:

	rx, err := rtprx.NewReceiver(rtprx.ReceiverConfig{
		Address:  "239.1.2.3:5004",
		Defaults: rtprx.DefaultConfig,
		OnStream: func(ssrc uint32) *rtprx.StreamConfig {
			return &rtprx.StreamConfig{
				Config: rtprx.DefaultConfig,
			}
		},
		OnUnit: func(u rtprx.Unit) {
			// samples in capture order, u.Wallclock if a time
			// reference is known
		},
		OnGap: func(e rtprx.GapEvent) {
			// every discontinuity, classified
		},
	})
	if err != nil {
		// handle error
	}

	rx.Start()
	defer rx.Stop()

A StatusListener on the source's status group feeds the sample rates and
time references:

	sl, err := rtprx.NewStatusListener(rtprx.StatusConfig{
		Address: "239.1.2.3:5006",
		OnTimeReference: func(ssrc uint32, ref rtprx.TimeReference) {
			rx.SetTimeReference(ssrc, ref)
		},
	})

A Stream can also be driven directly with Push for testing or replay.
*/
package rtprx
