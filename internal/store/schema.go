package store

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// Table and column names shared by the SQL repos.
const (
	recordsTable = "records"
	eventsTable  = "events"

	colBucket    = "bucket"
	colKey       = "record_key"
	colOwner     = "owner"
	colValue     = "value"
	colVersion   = "version"
	colDueAt     = "due_at"
	colExpiresAt = "expires_at"
	colUpdatedAt = "updated_at"

	colSequence  = "sequence"
	colKind      = "kind"
	colPayload   = "payload"
	colCreatedAt = "created_at"
)

// Timestamps are stored as unix milliseconds; 0 means unset.
var (
	recordColumns = []*schema.Column{
		{Name: colBucket, Type: field.TypeString, Size: 64},
		{Name: colKey, Type: field.TypeString, Size: 512},
		{Name: colOwner, Type: field.TypeString, Default: ""},
		{Name: colValue, Type: field.TypeBytes},
		{Name: colVersion, Type: field.TypeInt64},
		{Name: colDueAt, Type: field.TypeInt64, Default: 0},
		{Name: colExpiresAt, Type: field.TypeInt64, Default: 0},
		{Name: colUpdatedAt, Type: field.TypeInt64},
	}

	recordsTableDef = &schema.Table{
		Name:       recordsTable,
		Columns:    recordColumns,
		PrimaryKey: []*schema.Column{recordColumns[0], recordColumns[1]},
		Indexes: []*schema.Index{
			{Name: "records_owner_bucket", Columns: []*schema.Column{recordColumns[2], recordColumns[0]}},
			{Name: "records_bucket_due", Columns: []*schema.Column{recordColumns[0], recordColumns[5]}},
			{Name: "records_expires", Columns: []*schema.Column{recordColumns[6]}},
		},
	}

	eventColumns = []*schema.Column{
		{Name: colSequence, Type: field.TypeInt64},
		{Name: colKind, Type: field.TypeString, Size: 32},
		{Name: colOwner, Type: field.TypeString, Default: ""},
		{Name: colPayload, Type: field.TypeBytes},
		{Name: colCreatedAt, Type: field.TypeInt64},
	}

	eventsTableDef = &schema.Table{
		Name:       eventsTable,
		Columns:    eventColumns,
		PrimaryKey: []*schema.Column{eventColumns[0]},
		Indexes: []*schema.Index{
			{Name: "events_kind_sequence", Columns: []*schema.Column{eventColumns[1], eventColumns[0]}},
			{Name: "events_owner", Columns: []*schema.Column{eventColumns[2]}},
		},
	}

	tables = []*schema.Table{recordsTableDef, eventsTableDef}
)
