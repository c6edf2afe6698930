package rtprx

// Statistics are the cumulative quality counters of one stream. They only
// ever increase; ResetStats on the stream is the single way to zero them.
type Statistics struct {
	PktReceived   uint64 // datagrams accepted for this stream
	PktDelivered  uint64 // emitted downstream, in sequence order
	PktRecovered  uint64 // delivered after arriving out of order
	PktBelated    uint64 // arrived after their slot was already resolved
	PktDuplicate  uint64
	PktLoss       uint64 // sequence numbers never received
	PktDropped    uint64 // received but discarded locally
	PktParseError uint64 // datagrams that failed header parsing

	SamplesLost int64 // attributed from timestamp deltas, never estimated

	GapsUnknown             uint64
	GapsNetworkLoss         uint64
	GapsSourceDiscontinuity uint64
	GapsOverflow            uint64

	WallclockIndeterminate uint64 // units emitted without a usable time reference
}
