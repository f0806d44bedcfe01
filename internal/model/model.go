// Package model defines the core records that flow through the message
// fabric: Channel and CountryPartition configuration, Raw and Processed
// messages, the classification policy, and the sink schema projection.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Verdict is the outcome of classification.
type Verdict string

const (
	VerdictSignificant Verdict = "significant"
	VerdictTrivial      Verdict = "trivial"
	VerdictExcluded     Verdict = "excluded"
)

// Method names the path the classifier took to reach a verdict.
type Method string

const (
	MethodExcludedKeyword     Method = "excluded_keyword"
	MethodKeywordSignificant  Method = "keyword_significant"
	MethodKeywordTrivial      Method = "keyword_trivial"
	MethodAISignificant       Method = "ai_significant"
	MethodAITrivial           Method = "ai_trivial"
	MethodNoMatchTrivial      Method = "no_match_trivial"
	MethodCriteriaRefinedTrivial Method = "criteria_refined_trivial"
)

// AIUnavailableSuffix is appended to a Method when the AI pass degraded
// gracefully to a keyword-only verdict.
const AIUnavailableSuffix = "_ai_unavailable"

// Language is the detected language tag for a message body.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageArabic  Language = "ar"
	LanguageOther   Language = "other"
)

// KeywordPair is a (English form, native form) pair. Native may equal
// English for the single-language degenerate case.
type KeywordPair struct {
	English string
	Native  string
}

// ClassificationPolicy is the per-country keyword and AI configuration.
type ClassificationPolicy struct {
	Significant []KeywordPair
	Trivial     []KeywordPair
	Exclude     []KeywordPair

	UseAIForMessageFiltering  bool
	TranslateTrivial          bool
	UseAIForTranslation       bool
	UseAIForEnhancedFiltering bool
	AdditionalAICriteria      []string
}

// Channel is an external chat channel belonging to a country partition.
type Channel struct {
	Handle      string
	CountryID   string
	DisplayName string
}

// WorkbookBinding describes where a country's workbook lives.
type WorkbookBinding struct {
	Site            string
	Folder          string
	Filename        string
	SignificantSheet string
	TrivialSheet    string
}

// CountryPartition groups channels, policy, and sink bindings.
type CountryPartition struct {
	ID          string
	Name        string
	Channels    []Channel
	WebhookURL  string
	Workbook    WorkbookBinding
	Policy      ClassificationPolicy
	CSVDir      string

	WorkbookExcludedFields []string
	WebhookExcludedFields  []string
}

// MediaDescriptor tags the presence/kind of attached media without
// carrying any binary payload.
type MediaDescriptor struct {
	Present bool
	Kind    string
}

// ForwardDescriptor tags that a message was forwarded from elsewhere.
type ForwardDescriptor struct {
	Forwarded  bool
	FromHandle string
}

// RawMessage is what the Upstream Adapter (C3) produces.
type RawMessage struct {
	ExternalID  int64
	Channel     string
	AuthoredAt  time.Time
	AuthorHandle string
	Body        string
	Media       MediaDescriptor
	ForwardFrom ForwardDescriptor
}

// ProcessedMessage is what the Classifier/Translator/Dispatcher produce.
type ProcessedMessage struct {
	Raw RawMessage

	CountryID string

	Language         Language
	TranslatedBody   string
	WasTranslated    bool
	Verdict          Verdict
	MatchedKeywords  []string
	Method           Method
	Reasoning        string
	ProcessedAt      time.Time
	CorrelationID    string
}

// Schema is the ordered list of logical fields projected to every sink.
type Schema struct {
	Fields []string
}

// Row is a schema-ordered projection of a ProcessedMessage, ready for a
// sink to render (CSV row, workbook row, webhook fact list).
type Row struct {
	Fields []string // same order as Schema.Fields, values stringified
}

// Project renders msg through schema, dropping fields named in exclude.
// The returned Row always has the same length as schema.Fields minus the
// excluded ones; CSV sinks call Project with an empty exclude set.
func Project(schema Schema, msg ProcessedMessage, exclude []string) Row {
	excluded := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		excluded[f] = true
	}

	out := Row{Fields: make([]string, 0, len(schema.Fields))}
	for _, field := range schema.Fields {
		if excluded[field] {
			continue
		}
		out.Fields = append(out.Fields, fieldValue(field, msg))
	}
	return out
}

// VisibleFields returns the schema fields that survive an exclusion list,
// in schema order. Used by property tests asserting the projection
// invariant (schema \ excluded_fields_for_sink).
func VisibleFields(schema Schema, exclude []string) []string {
	excluded := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		excluded[f] = true
	}
	out := make([]string, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		if !excluded[field] {
			out = append(out, field)
		}
	}
	return out
}

func fieldValue(field string, msg ProcessedMessage) string {
	switch field {
	case "external_id":
		return strconv.FormatInt(msg.Raw.ExternalID, 10)
	case "channel":
		return msg.Raw.Channel
	case "country":
		return msg.CountryID
	case "authored_at":
		return msg.Raw.AuthoredAt.UTC().Format(time.RFC3339)
	case "author":
		return msg.Raw.AuthorHandle
	case "body":
		return msg.Raw.Body
	case "translated_body":
		return msg.TranslatedBody
	case "language":
		return string(msg.Language)
	case "was_translated":
		return boolStr(msg.WasTranslated)
	case "verdict":
		return string(msg.Verdict)
	case "matched_keywords":
		return joinComma(msg.MatchedKeywords)
	case "method":
		return string(msg.Method)
	case "reasoning":
		return msg.Reasoning
	case "processed_at":
		return msg.ProcessedAt.UTC().Format(time.RFC3339)
	case "correlation_id":
		return msg.CorrelationID
	case "media":
		return msg.Raw.Media.Kind
	case "forwarded_from":
		return msg.Raw.ForwardFrom.FromHandle
	default:
		return ""
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func joinComma(items []string) string {
	return strings.Join(items, ",")
}

// DefaultSchema is the canonical field order used when configuration does
// not override it.
func DefaultSchema() Schema {
	return Schema{Fields: []string{
		"external_id", "channel", "country", "authored_at", "author",
		"body", "translated_body", "language", "was_translated",
		"verdict", "matched_keywords", "method", "reasoning",
		"processed_at", "correlation_id", "media", "forwarded_from",
	}}
}
