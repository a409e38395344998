package constants

// Stage names the pipeline steps. These exact strings participate in cache
// key construction, so changing one invalidates every cached entry for that
// stage.
type Stage string

const (
	StageOCR       Stage = "ocr"
	StageRasterize Stage = "rasterize"
	StageOne       Stage = "stage1_candidates"
	StageTwo       Stage = "stage2_selection"
)

// RunState is the coordinator's state machine position for one document run.
type RunState string

// Stable values (these exact strings appear in run results and logs).
const (
	StateInit          RunState = "INIT"
	StateTextExtracted RunState = "TEXT_EXTRACTED"
	StateStageOneDone  RunState = "STAGE1_DONE"
	StateStageTwoDone  RunState = "STAGE2_DONE"
	StateFinalized     RunState = "FINALIZED"
	StateDegraded      RunState = "DEGRADED"
)
