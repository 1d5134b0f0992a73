package domain

import "github.com/bwmarrin/snowflake"

// Claim identifies the holder of a processing run. Every queue mutation is conditioned on it.
type Claim struct {
	RunID snowflake.ID
	Token string
}

type Progress struct {
	Processed  int
	Successful int
	Failed     int
}

type TerminalUpdate struct {
	Status          RunStatus
	ErrorSummary    string
	RefundedCredits int64
	ActualUsed      int64
}
