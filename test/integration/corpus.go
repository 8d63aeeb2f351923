// Package integration exercises the full stack: SQLite storage, the LSH vector index, the Bleve
// keyword index, both caches, the importer, and the engine.
package integration

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/chatsearch/internal/models"
)

// Topic is a conversation thread with a phrase that appears only in its own messages.
type Topic struct {
	ChatID   string
	Category string
	Phrase   string
	Question string
	Answer   string
}

// QueryCase is a query with the message IDs that must appear in its results.
type QueryCase struct {
	Query       string
	ChatID      string
	ExpectedIDs []string
}

// Corpus is a generated chat archive.
type Corpus struct {
	Messages []*models.MessageInput
	Cases    []QueryCase
}

var topics = []Topic{
	{"support", "billing", "annual plan refund", "Can I get an annual plan refund after two months?", "An annual plan refund is prorated for unused months."},
	{"support", "account", "password reset email", "The password reset email never arrives.", "Check spam; the password reset email comes from noreply."},
	{"support", "account", "two factor backup codes", "I lost my two factor backup codes.", "Support can regenerate two factor backup codes after verification."},
	{"billing", "billing", "invoice vat number", "How do I add a vat number to my invoice?", "Add the invoice vat number under company settings."},
	{"billing", "billing", "credit card declined", "My credit card declined at checkout.", "A credit card declined error usually comes from the issuing bank."},
	{"billing", "billing", "downgrade seats proration", "What happens with proration when I downgrade seats?", "When you downgrade seats proration credits the next invoice."},
	{"engineering", "incident", "postgres replication lag", "Alerts show postgres replication lag above ten seconds.", "Postgres replication lag recovered after vacuum finished."},
	{"engineering", "incident", "kafka consumer rebalance", "The kafka consumer rebalance loops every minute.", "Raise session timeout to stop the kafka consumer rebalance loop."},
	{"engineering", "release", "canary rollout percentage", "Which canary rollout percentage do we start with?", "Start the canary rollout percentage at five."},
	{"engineering", "release", "feature flag cleanup", "Who owns the feature flag cleanup this sprint?", "Platform owns feature flag cleanup."},
	{"random", "social", "friday pizza order", "Friday pizza order: mushrooms or pepperoni?", "Friday pizza order is half and half."},
	{"random", "social", "hiking trip saturday", "Anyone joining the hiking trip saturday?", "The hiking trip saturday leaves at eight."},
}

// BuildCorpus returns two messages per topic with deterministic IDs and timestamps.
func BuildCorpus() *Corpus {
	c := &Corpus{}
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	for i, t := range topics {
		q := &models.MessageInput{
			ID: fmt.Sprintf("msg-%03d", 2*i), ChatID: t.ChatID, Role: "user", Category: t.Category,
			Content: t.Question, CreatedAt: base.Add(time.Duration(2*i) * time.Hour),
		}
		a := &models.MessageInput{
			ID: fmt.Sprintf("msg-%03d", 2*i+1), ChatID: t.ChatID, Role: "assistant", Category: t.Category,
			Content: t.Answer, CreatedAt: base.Add(time.Duration(2*i+1) * time.Hour),
		}
		c.Messages = append(c.Messages, q, a)
		c.Cases = append(c.Cases, QueryCase{Query: t.Phrase, ChatID: t.ChatID, ExpectedIDs: []string{q.ID, a.ID}})
	}
	return c
}

// JSONL renders the corpus as a chat export, one message per line.
func (c *Corpus) JSONL() (string, error) {
	var b strings.Builder
	for _, m := range c.Messages {
		line, err := json.Marshal(m)
		if err != nil {
			return "", err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
