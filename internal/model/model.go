// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model holds the entity types shared across LDM's core
// components: the row store, the TM sync manager, search, and the
// collaboration bus all exchange these types rather than raw query rows.
package model

import "time"

// RowStatus is the lifecycle state of a Row (spec §3, §4.8).
type RowStatus string

const (
	StatusEmpty      RowStatus = "empty"
	StatusPending    RowStatus = "pending"
	StatusTranslated RowStatus = "translated"
	StatusReviewed   RowStatus = "reviewed"
	StatusApproved   RowStatus = "approved"
)

// FileFormat is the import/export wire format for a File's rows.
type FileFormat string

const (
	FormatTSV    FileFormat = "tsv"
	FormatLocStr FileFormat = "xml-locstr"
)

// TMSourceType classifies how a TMEntry entered the memory.
type TMSourceType string

const (
	SourceManual TMSourceType = "manual"
	SourceReview TMSourceType = "review"
	SourceAuto   TMSourceType = "auto"
	SourceImport TMSourceType = "import"
)

// EmbeddingEngine selects the TM's vector variant (spec §4.4).
type EmbeddingEngine string

const (
	EngineFast EmbeddingEngine = "fast"
	EngineDeep EmbeddingEngine = "deep"
)

// Granularity distinguishes whole-source vs. per-line indexing (spec §4.3, §4.5).
type Granularity string

const (
	GranularityWhole Granularity = "whole"
	GranularityLine  Granularity = "line"
)

// Project owns folders and files and optionally links a default TM.
type Project struct {
	ID          string
	Name        string
	Owner       string
	CreatedAt   time.Time
	LinkedTMID  string // empty if no default TM
}

// Folder is a node in a project's tree.
type Folder struct {
	ID        string
	ProjectID string
	ParentID  string // empty for root-level folders
	Name      string
	SortOrder int
}

// File is a single importable/exportable unit of rows.
type File struct {
	ID         string
	ProjectID  string
	FolderID   string // empty if not filed under a folder
	Name       string
	Format     FileFormat
	RowCount   int
	SourceHash string
}

// Row is one bilingual source/target line within a File.
type Row struct {
	ID        string
	FileID    string
	RowNum    int
	StringID  string
	Source    string
	Target    string
	Status    RowStatus
	UpdatedBy string
	UpdatedAt time.Time
	Version   int
}

// TM is a translation memory: a searchable store of source/target pairs.
type TM struct {
	ID              string
	Name            string
	SourceLang      string
	TargetLang      string
	CreatedAt       time.Time
	EmbeddingEngine EmbeddingEngine
	StaleCount      int
	LastSyncAt      time.Time
	Building        bool
}

// TMEntry is one source/target pair owned by a TM.
type TMEntry struct {
	ID               string
	TMID             string
	Source           string
	Target           string
	NormalizedSource string
	SourceType       TMSourceType
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Confirmed        bool
	IndexError       string // non-empty when C5 embedding failed for this entry (spec §4.6)
}

// EditLock grants one holder exclusive edit rights on a Row until the lease expires.
type EditLock struct {
	RowID          string
	Holder         string
	AcquiredAt     time.Time
	LeaseExpiresAt time.Time
}

// Live reports whether the lock has not yet expired as of now.
func (l EditLock) Live(now time.Time) bool {
	return now.Before(l.LeaseExpiresAt)
}

// SubscriptionEntity distinguishes what an OfflineSubscription targets.
type SubscriptionEntity string

const (
	EntityPlatform SubscriptionEntity = "platform"
	EntityProject  SubscriptionEntity = "project"
	EntityFile     SubscriptionEntity = "file"
)

// SyncStatus is the reconciliation state of an OfflineSubscription.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// OfflineSubscription is a user's opt-in to mirror a subset of the central store.
type OfflineSubscription struct {
	EntityType SubscriptionEntity
	EntityID   string
	User       string
	SyncStatus SyncStatus
	LastSyncAt time.Time
}

// TaskOutcome is the terminal result of a Task.
type TaskOutcome string

const (
	OutcomeNone      TaskOutcome = ""
	OutcomeSucceeded TaskOutcome = "succeeded"
	OutcomeFailed    TaskOutcome = "failed"
	OutcomeCancelled TaskOutcome = "cancelled"
)

// Task is a named long-running operation tracked by the Task Tracker (C11).
type Task struct {
	ID         string
	Kind       string
	Scope      string
	Progress   int // 0..100
	Stage      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    TaskOutcome
	Message    string
}
