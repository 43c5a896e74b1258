package features

// Stats is the numeric summary of one flow. Every registered feature is a
// projection of these fields. Durations and inter-arrival times are in
// seconds, lengths in bytes.
type Stats struct {
	ServerPort uint16

	Duration float64

	TotalPackets int
	FwdPackets   int
	BwdPackets   int

	TotalBytes int
	FwdBytes   int
	BwdBytes   int

	MinLen  int
	MaxLen  int
	MeanLen float64

	FwdLenMin  int
	FwdLenMax  int
	FwdLenMean float64
	BwdLenMin  int
	BwdLenMax  int
	BwdLenMean float64

	FlowIATMax  float64
	FlowIATMean float64
	FwdIATMean  float64

	SYNCount int

	InitWinFwd int
	InitWinBwd int

	MinSegSizeFwd int

	FwdHeaderMean float64
	BwdHeaderMean float64

	DownUpRatio float64

	FlowBytesPerSec   float64
	FlowPacketsPerSec float64
	FwdPacketsPerSec  float64
	BwdPacketsPerSec  float64
}
