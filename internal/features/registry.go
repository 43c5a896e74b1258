package features

// Kind is the storage type of a feature column.
type Kind uint8

const (
	// Int columns are written without a fractional part.
	Int Kind = iota
	// Float columns are written with full precision.
	Float
)

func (k Kind) String() string {
	if k == Int {
		return "int"
	}
	return "float"
}

type extractor func(*Stats) float64

type definition struct {
	kind    Kind
	extract extractor
}

// registry holds every feature the flow assembler knows how to compute.
// Names follow the column naming of the training datasets.
var registry = map[string]definition{
	"destination port":            {Int, func(s *Stats) float64 { return float64(s.ServerPort) }},
	"flow duration":               {Float, func(s *Stats) float64 { return s.Duration }},
	"total fwd packets":           {Int, func(s *Stats) float64 { return float64(s.FwdPackets) }},
	"total backward packets":      {Int, func(s *Stats) float64 { return float64(s.BwdPackets) }},
	"total length of fwd packets": {Int, func(s *Stats) float64 { return float64(s.FwdBytes) }},
	"total length of bwd packets": {Int, func(s *Stats) float64 { return float64(s.BwdBytes) }},
	"fwd packet length max":       {Int, func(s *Stats) float64 { return float64(s.FwdLenMax) }},
	"fwd packet length min":       {Int, func(s *Stats) float64 { return float64(s.FwdLenMin) }},
	"fwd packet length mean":      {Float, func(s *Stats) float64 { return s.FwdLenMean }},
	"bwd packet length max":       {Int, func(s *Stats) float64 { return float64(s.BwdLenMax) }},
	"bwd packet length min":       {Int, func(s *Stats) float64 { return float64(s.BwdLenMin) }},
	"bwd packet length mean":      {Float, func(s *Stats) float64 { return s.BwdLenMean }},
	"flow bytes/s":                {Float, func(s *Stats) float64 { return s.FlowBytesPerSec }},
	"flow packets/s":              {Float, func(s *Stats) float64 { return s.FlowPacketsPerSec }},
	"flow iat mean":               {Float, func(s *Stats) float64 { return s.FlowIATMean }},
	"flow iat max":                {Float, func(s *Stats) float64 { return s.FlowIATMax }},
	"fwd iat mean":                {Float, func(s *Stats) float64 { return s.FwdIATMean }},
	"fwd packets/s":               {Float, func(s *Stats) float64 { return s.FwdPacketsPerSec }},
	"bwd packets/s":               {Float, func(s *Stats) float64 { return s.BwdPacketsPerSec }},
	"min packet length":           {Int, func(s *Stats) float64 { return float64(s.MinLen) }},
	"max packet length":           {Int, func(s *Stats) float64 { return float64(s.MaxLen) }},
	"packet length mean":          {Float, func(s *Stats) float64 { return s.MeanLen }},
	"average packet size":         {Float, func(s *Stats) float64 { return s.MeanLen }},
	"syn flag count":              {Int, func(s *Stats) float64 { return float64(s.SYNCount) }},
	"down/up ratio":               {Float, func(s *Stats) float64 { return s.DownUpRatio }},
	"fwd header length":           {Float, func(s *Stats) float64 { return s.FwdHeaderMean }},
	"fwd header length.1":         {Float, func(s *Stats) float64 { return s.FwdHeaderMean }},
	"bwd header length":           {Float, func(s *Stats) float64 { return s.BwdHeaderMean }},
	"subflow fwd packets":         {Int, func(s *Stats) float64 { return float64(s.FwdPackets) }},
	"subflow fwd bytes":           {Int, func(s *Stats) float64 { return float64(s.FwdBytes) }},
	"subflow bwd packets":         {Int, func(s *Stats) float64 { return float64(s.BwdPackets) }},
	"subflow bwd bytes":           {Int, func(s *Stats) float64 { return float64(s.BwdBytes) }},
	"init_win_bytes_forward":      {Int, func(s *Stats) float64 { return float64(s.InitWinFwd) }},
	"init_win_bytes_backward":     {Int, func(s *Stats) float64 { return float64(s.InitWinBwd) }},
	"min_seg_size_forward":        {Int, func(s *Stats) float64 { return float64(s.MinSegSizeFwd) }},
}

// DefaultFeatures is the feature order the shipped classifier was trained on.
var DefaultFeatures = []string{
	"destination port",
	"flow bytes/s",
	"min packet length",
	"bwd packets/s",
	"bwd packet length min",
	"min_seg_size_forward",
	"bwd header length",
	"average packet size",
	"max packet length",
	"subflow fwd bytes",
	"bwd packet length mean",
	"packet length mean",
	"subflow bwd packets",
	"fwd header length.1",
	"total backward packets",
	"flow iat max",
	"down/up ratio",
}

// Known reports whether name is a registered feature.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}
