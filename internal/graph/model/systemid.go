package model

import "strings"

// SystemIDKind is the closed set of system-identifier prefixes.
type SystemIDKind string

const (
	KindField    SystemIDKind = "field"
	KindSupertag SystemIDKind = "supertag"
	KindItem     SystemIDKind = "item"
)

// Well-known field and supertag system identifiers seeded at bootstrap.
const (
	FieldSupertag   = "field:supertag"
	FieldExtends    = "field:extends"
	FieldFieldType  = "field:field_type"
	FieldDefinition = "field:definition"

	SupertagSupertag      = "supertag:supertag"
	SupertagField         = "supertag:field"
	SupertagSystem        = "supertag:system"
	SupertagItem          = "supertag:item"
	SupertagTag           = "supertag:tag"
	SupertagCommand       = "supertag:command"
	SupertagAutomation    = "supertag:automation"
	SupertagComputedField = "supertag:computed_field"
)

// ParseSystemID splits a system identifier into its closed-set prefix and
// remainder. ok is false for strings outside {field:, supertag:, item:}.
func ParseSystemID(id string) (kind SystemIDKind, remainder string, ok bool) {
	for _, k := range []SystemIDKind{KindField, KindSupertag, KindItem} {
		prefix := string(k) + ":"
		if strings.HasPrefix(id, prefix) {
			return k, strings.TrimPrefix(id, prefix), true
		}
	}
	return "", "", false
}

// HasKind reports whether id is a system identifier of the given kind.
func HasKind(id string, kind SystemIDKind) bool {
	k, _, ok := ParseSystemID(id)
	return ok && k == kind
}
