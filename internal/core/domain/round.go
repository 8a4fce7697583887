package domain

// RoundSummary aggregates the outcome of one scheduling round. Counts only;
// it has no behavioral effect on the pipeline.
type RoundSummary struct {
	Round      int `json:"round"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`
}
