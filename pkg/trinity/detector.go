// Copyright 2026 Trinity Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package trinity

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/trinity-labs/trinity/pkg/types"
)

// Detection is one pattern sighting extracted from an event.
type Detection struct {
	PatternType types.PatternType
	PatternName string
	Content     string
	Confidence  float64
	Priority    types.Priority
	Metadata    map[string]interface{}
	Keywords    []string
}

// Detector extracts pattern detections from a raw event payload.
type Detector interface {
	Detect(event map[string]interface{}) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(event map[string]interface{}) ([]Detection, error)

// Detect calls the function.
func (f DetectorFunc) Detect(event map[string]interface{}) ([]Detection, error) {
	return f(event)
}

// Rule is one substring-match detection rule.
type Rule struct {
	Name        string            `yaml:"name"`
	PatternType types.PatternType `yaml:"pattern_type"`
	Match       string            `yaml:"match"`
	Confidence  float64           `yaml:"confidence"`
	Priority    string            `yaml:"priority"`
	Keywords    []string          `yaml:"keywords"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules is the starter rule set written to a fresh data dir. Operators
// tune it in place; the detector hot-reloads edits.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "task-failure", PatternType: types.PatternFailure, Match: "failed", Confidence: 0.7, Priority: "HIGH"},
		{Name: "panic", PatternType: types.PatternFailure, Match: "panic:", Confidence: 0.9, Priority: "CRITICAL"},
		{Name: "timeout", PatternType: types.PatternFailure, Match: "timeout", Confidence: 0.6, Priority: "NORMAL"},
		{Name: "constitutional-violation", PatternType: types.PatternConstitutionalViolation, Match: "constitutional violation", Confidence: 0.95, Priority: "CRITICAL", Keywords: []string{"architecture"}},
		{Name: "duplicated-code", PatternType: types.PatternCodeDuplication, Match: "duplicate", Confidence: 0.65, Priority: "NORMAL", Keywords: []string{"refactor"}},
		{Name: "missing-tests", PatternType: types.PatternMissingTests, Match: "no tests", Confidence: 0.7, Priority: "NORMAL"},
		{Name: "critical-error", PatternType: types.PatternFailure, Match: "severity=critical", Confidence: 0.9, Priority: "CRITICAL"},
		{Name: "runtime-error", PatternType: types.PatternFailure, Match: "error", Confidence: 0.7, Priority: "HIGH"},
		{Name: "user-request", PatternType: types.PatternUserIntent, Match: "please", Confidence: 0.6, Priority: "HIGH"},
	}
}

// RuleDetector matches events against a YAML rule set. When built with
// NewRuleDetectorFromFile it watches the file and hot-reloads edits, so rules
// can be tuned without restarting WITNESS.
type RuleDetector struct {
	mu     sync.RWMutex
	rules  []Rule
	logger *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRuleDetector builds a detector over a fixed rule set.
func NewRuleDetector(rules []Rule, logger *zap.Logger) *RuleDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleDetector{rules: rules, logger: logger}
}

// NewRuleDetectorFromFile loads rules from a YAML file and watches it for
// changes. Close releases the watcher.
func NewRuleDetectorFromFile(path string, logger *zap.Logger) (*RuleDetector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rules, err := loadRules(path)
	if err != nil {
		return nil, err
	}

	d := &RuleDetector{
		rules:  rules,
		logger: logger,
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch rule file: %w", err)
	}
	d.watcher = watcher

	go d.watchLoop(path)
	return d, nil
}

func loadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	for i, r := range rf.Rules {
		if r.Name == "" || r.Match == "" {
			return nil, fmt.Errorf("rule %d: name and match are required", i)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("rule %q: confidence %v out of range [0,1]", r.Name, r.Confidence)
		}
	}
	return rf.Rules, nil
}

func (d *RuleDetector) watchLoop(path string) {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rules, err := loadRules(path)
			if err != nil {
				// Keep the last good rule set on a bad edit.
				d.logger.Warn("rule reload failed, keeping previous rules",
					zap.String("path", path), zap.Error(err))
				continue
			}
			d.mu.Lock()
			d.rules = rules
			d.mu.Unlock()
			d.logger.Info("detector rules reloaded",
				zap.String("path", path), zap.Int("rules", len(rules)))
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("rule watcher error", zap.Error(err))
		}
	}
}

// Detect matches the event against every rule. A rule matches when its
// substring appears anywhere in the searchable form of the event, which
// includes structured fields like severity and error_type, not just the
// free-text body.
func (d *RuleDetector) Detect(event map[string]interface{}) ([]Detection, error) {
	content := eventText(event)
	text := searchText(event, content)

	d.mu.RLock()
	rules := d.rules
	d.mu.RUnlock()

	var out []Detection
	for _, r := range rules {
		if !strings.Contains(text, r.Match) {
			continue
		}
		ptype := r.PatternType
		if ptype == "" {
			ptype = types.PatternFailure
		}
		out = append(out, Detection{
			PatternType: ptype,
			PatternName: r.Name,
			Content:     content,
			Confidence:  r.Confidence,
			Priority:    types.ParsePriority(r.Priority),
			Keywords:    r.Keywords,
			Metadata:    map[string]interface{}{"rule": r.Name},
		})
	}
	return out, nil
}

// Rules returns a snapshot of the active rule set.
func (d *RuleDetector) Rules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Rule, len(d.rules))
	copy(out, d.rules)
	return out
}

// Close stops the file watcher, if any.
func (d *RuleDetector) Close() error {
	if d.watcher == nil {
		return nil
	}
	close(d.done)
	return d.watcher.Close()
}

// eventText picks the human-readable body of an event: the details or
// content field when present, the whole payload serialized otherwise.
func eventText(event map[string]interface{}) string {
	for _, key := range []string{"details", "content", "message"} {
		if v, ok := event[key].(string); ok && v != "" {
			return v
		}
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Sprintf("%v", event)
	}
	return string(raw)
}

// searchText widens the body with the event's structured fields so rules can
// match on severity, error_type, source, or keywords even when a free-text
// body is present.
func searchText(event map[string]interface{}, body string) string {
	parts := []string{body}
	for _, key := range []string{"severity", "error_type", "source", "event_type"} {
		if v, ok := event[key].(string); ok && v != "" {
			parts = append(parts, key+"="+v)
		}
	}
	if kws, ok := event["keywords"].([]interface{}); ok {
		for _, kw := range kws {
			if s, ok := kw.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " ")
}

var _ Detector = (*RuleDetector)(nil)
