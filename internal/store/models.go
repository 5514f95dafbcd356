package store

import "time"

// BlockModel is the GORM model for the blocks table (spec §3.1). The
// schema these tags describe is the contract; migrations-as-code stay out
// of the Core (spec §1 Non-goals) and live behind the separate `migrate`
// subcommand.
type BlockModel struct {
	Number     uint64 `gorm:"primaryKey;column:number"`
	Hash       string `gorm:"column:hash;size:66;not null;uniqueIndex:idx_blocks_hash"`
	ParentHash string `gorm:"column:parent_hash;size:66;not null"`
	Timestamp  uint64 `gorm:"column:timestamp;not null"`
	ChainID    uint64 `gorm:"column:chain_id;not null"`

	Transfers []TransferModel `gorm:"foreignKey:BlockNumber;references:Number;constraint:OnDelete:CASCADE"`
}

func (BlockModel) TableName() string { return "blocks" }

// TransferModel is the GORM model for the transfers table (spec §3.1,
// I-T1..I-T4). Amount is stored as NUMERIC(78,0) to hold uint256 values
// exactly as decimal strings.
type TransferModel struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement;column:id"`
	BlockNumber     uint64 `gorm:"column:block_number;not null;uniqueIndex:idx_transfers_block_log,priority:1"`
	TransactionHash string `gorm:"column:transaction_hash;size:66;not null"`
	LogIndex        uint64 `gorm:"column:log_index;not null;uniqueIndex:idx_transfers_block_log,priority:2"`
	FromAddress     string `gorm:"column:from_address;size:42;not null"`
	ToAddress       string `gorm:"column:to_address;size:42;not null"`
	Amount          string `gorm:"column:amount;type:numeric(78,0);not null"`
	TokenAddress    string `gorm:"column:token_address;size:42;not null"`
}

func (TransferModel) TableName() string { return "transfers" }

// CheckpointModel is the GORM model for named sync checkpoints.
type CheckpointModel struct {
	Name        string    `gorm:"primaryKey;column:name"`
	BlockNumber uint64    `gorm:"column:block_number;not null"`
	BlockHash   string    `gorm:"column:block_hash;size:66;not null"`
	SyncedAt    time.Time `gorm:"column:synced_at;not null"`
	Metadata    string    `gorm:"column:metadata"`
}

func (CheckpointModel) TableName() string { return "checkpoints" }

// SyncState enumerates the states a named processor's progress can be in.
type SyncState string

const (
	SyncActive   SyncState = "active"
	SyncPaused   SyncState = "paused"
	SyncError    SyncState = "error"
	SyncComplete SyncState = "complete"
)

// SyncStatusModel is the GORM model for per-processor progress (spec §3.1).
type SyncStatusModel struct {
	ProcessorName      string    `gorm:"primaryKey;column:processor_name"`
	LastProcessedBlock uint64    `gorm:"column:last_processed_block;not null"`
	LastProcessedHash  string    `gorm:"column:last_processed_hash;size:66"`
	TargetBlock        uint64    `gorm:"column:target_block;not null"`
	SyncedPercent      float64   `gorm:"column:synced_percent;not null"`
	State              SyncState `gorm:"column:state;size:16;not null"`
	ErrorMessage       string    `gorm:"column:error_message"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null"`
}

func (SyncStatusModel) TableName() string { return "sync_status" }

// AdvisoryLockModel is the GORM model backing the single-writer lock
// (spec §3.1, §4.4, §4.8). A row-level TTL, not pg_advisory_lock, because
// the latter doesn't survive pooled-connection recycling (SPEC_FULL §4.4).
type AdvisoryLockModel struct {
	Name       string    `gorm:"primaryKey;column:name"`
	InstanceID string    `gorm:"column:instance_id;not null"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null"`
}

func (AdvisoryLockModel) TableName() string { return "advisory_locks" }
