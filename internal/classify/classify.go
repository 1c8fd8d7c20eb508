// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classify tags messages with the owner account they belong to
// and the direction they travelled.
//
// Account matching is a deliberate substring heuristic over the raw
// address headers, not exact address comparison.  Relay and provider
// headers carry display names, group syntax and other noise that a
// strict parser would reject, and a substring hit is what decides
// whether a message belongs to the synchronized domain at all.
package classify

import (
	"regexp"
	"strings"

	"github.com/matta/mailsync/internal/message"
)

// Addresses holds the two configured owner addresses.
type Addresses struct {
	Me      string
	Noreply string
}

// ForAccount returns the address used to send as account a.
func (a Addresses) ForAccount(acct message.Account) string {
	if acct == message.AccountNoreply {
		return a.Noreply
	}
	return a.Me
}

// Input is everything the classifier looks at.
type Input struct {
	// Raw header values.
	To, Cc, Bcc, From string

	// Parsed recipient addresses.  Optional; when nil they are
	// extracted from the raw header values.
	Recipients []string

	LabelIDs []string

	// Account hint from a trusted upstream source, such as relay
	// metadata.  Ignored unless it names a known account.
	Hint string
}

// Result is the outcome of classification.
type Result struct {
	Account   message.Account
	Direction message.Direction
}

func (in Input) headerText() string {
	return strings.ToLower(in.To + " " + in.Cc + " " + in.Bcc + " " + in.From)
}

func (in Input) recipients() []string {
	if in.Recipients != nil {
		return in.Recipients
	}
	var out []string
	for _, h := range []string{in.To, in.Cc, in.Bcc} {
		out = append(out, ExtractAddresses(h)...)
	}
	return out
}

// matches reports whether addr occurs in the header text or in the
// recipient list.
func (in Input) matches(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return false
	}
	if strings.Contains(in.headerText(), addr) {
		return true
	}
	for _, r := range in.recipients() {
		if strings.ToLower(r) == addr {
			return true
		}
	}
	return false
}

// Relevant reports whether either owner address appears anywhere in the
// message's address headers.  Messages that fail this test are outside
// the synchronized domain.
func Relevant(in Input, known Addresses) bool {
	return in.matches(known.Me) || in.matches(known.Noreply)
}

// Classify resolves the account and direction of a message.
func Classify(in Input, known Addresses) Result {
	return Result{
		Account:   account(in, known),
		Direction: direction(in.LabelIDs),
	}
}

func account(in Input, known Addresses) message.Account {
	if hint := message.Account(strings.ToLower(strings.TrimSpace(in.Hint))); hint.Valid() {
		return hint
	}
	if in.matches(known.Noreply) {
		return message.AccountNoreply
	}
	return message.AccountMe
}

func direction(labels []string) message.Direction {
	for _, l := range labels {
		if l == message.LabelSent {
			return message.Outbound
		}
	}
	return message.Inbound
}

var addrPattern = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)

// ExtractAddresses pulls every address-like token out of a header value,
// lower-cased and de-duplicated in order of first appearance.
func ExtractAddresses(header string) []string {
	if header == "" {
		return nil
	}
	matches := addrPattern.FindAllString(header, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.ToLower(m)
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
