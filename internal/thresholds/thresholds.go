// Package thresholds holds the per-experiment calibration tables sent to
// the kit: an immutable Defaults table and a mutable Active copy.
package thresholds

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownKey   = errors.New("thresholds: unknown key")
	ErrInvalidEntry = errors.New("thresholds: invalid entry")
)

// MaxValue is the largest value that fits the three-digit wire field.
const MaxValue = 999

// Entry is one calibration value for a sensor/actuator code.
type Entry struct {
	Code  string `yaml:"code" json:"code"`
	Value int    `yaml:"value" json:"value"`
}

// Table maps an experiment key ("C5_E3") to its ordered entries.
type Table map[string][]Entry

// Key builds the experiment key for a class/experiment pair.
func Key(class, experiment int) string {
	return fmt.Sprintf("C%d_E%d", class, experiment)
}

// Validate checks that every entry has a single-letter code and a value
// that fits three digits.
func Validate(list []Entry) error {
	for i, e := range list {
		if len(e.Code) != 1 || !isLetter(e.Code[0]) {
			return fmt.Errorf("%w: entry %d: code %q must be a single letter", ErrInvalidEntry, i, e.Code)
		}
		if e.Value < 0 || e.Value > MaxValue {
			return fmt.Errorf("%w: entry %d: value %d out of range 0-%d", ErrInvalidEntry, i, e.Value, MaxValue)
		}
	}
	return nil
}

// Builtin returns a fresh copy of the factory defaults shipped with the kit.
func Builtin() Table {
	return Table{
		// Class 5
		"C5_E1": {{"l", 300}}, // blinking LED, LDR threshold
		"C5_E2": {{"b", 300}}, // light intensity control
		"C5_E3": {{"t", 30}},  // food storage temperature
		"C5_E4": {{"d", 70}},  // water level
		"C5_E5": {{"b", 300}}, // home lighting
		"C5_E6": {{"t", 30}},  // classroom temperature
		"C5_E7": {{"w", 600}}, // plant soil moisture
		"C5_E8": {{"m", 1}},   // home automation

		// Class 6
		"C6_E1": {{"d", 30}},  // object detection distance
		"C6_E2": {{"t", 30}},  // perishable goods temperature
		"C6_E3": {{"s", 400}}, // pollution / gas
		"C6_E4": {{"b", 300}}, // auto light
		"C6_E5": {{"m", 1}},   // PIR motion
		"C6_E6": {{"s", 350}}, // sound + light
		"C6_E7": {{"t", 32}},  // farm temperature
		"C6_E8": {{"w", 600}}, // farm soil

		// Class 7
		"C7_E1": {{"L", 1}}, // LED matrix pattern
		"C7_E2": {{"t", 28}},
		"C7_E3": {{"g", 200}}, // air quality
		"C7_E4": {{"d", 30}},
		"C7_E5": {{"w", 600}},
		"C7_E6": {{"l", 250}},
		"C7_E7": {{"t", 30}, {"w", 600}},

		// Class 8
		"C8_E1": {{"d", 30}},
		"C8_E2": {{"s", 400}},
		"C8_E3": {{"d", 30}},
		"C8_E4": {{"m", 1}},
		"C8_E5": {{"t", 33}, {"l", 300}},
		"C8_E6": {{"n", 500}},
		"C8_E7": {{"D", 30}},
		"C8_E8": {{"t", 33}, {"l", 300}},
	}
}

// LoadDefaults reads a defaults table from a YAML file of the form
//
//	C5_E1:
//	  - {code: l, value: 300}
func LoadDefaults(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("thresholds: read %s: %w", path, err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("thresholds: parse %s: %w", path, err)
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("thresholds: %s defines no experiments", path)
	}
	for key, list := range t {
		if err := Validate(list); err != nil {
			return nil, fmt.Errorf("thresholds: %s: %s: %w", path, key, err)
		}
	}
	return t, nil
}

// Store owns the Defaults and Active tables. Defaults never change after
// construction; Active starts as a deep copy of Defaults.
type Store struct {
	mu       sync.RWMutex
	defaults Table
	active   Table
}

// NewStore builds a store whose defaults are a private copy of defaults.
func NewStore(defaults Table) *Store {
	d := defaults.clone()
	return &Store{
		defaults: d,
		active:   d.clone(),
	}
}

// Keys returns every known experiment key, sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.defaults))
	for k := range s.defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Default returns a copy of the default entries for key.
func (s *Store) Default(key string) ([]Entry, bool) {
	list, ok := s.defaults[key]
	if !ok {
		return nil, false
	}
	return cloneList(list), true
}

// Active returns a copy of the active entries for key.
func (s *Store) Active(key string) ([]Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.active[key]
	if !ok {
		return nil, false
	}
	return cloneList(list), true
}

// SetActive replaces the active entries for a known key.
func (s *Store) SetActive(key string, list []Entry) error {
	if _, ok := s.defaults[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := Validate(list); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[key] = cloneList(list)
	return nil
}

// ResetKey restores the defaults for key. It reports whether the active
// entries actually changed, so a repeated reset is a no-op.
func (s *Store) ResetKey(key string) (bool, error) {
	def, ok := s.defaults[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if equalLists(s.active[key], def) {
		return false, nil
	}
	s.active[key] = cloneList(def)
	return true, nil
}

// ResetAll restores every key to its defaults.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = s.defaults.clone()
}

// SensorCodes returns the codes configured by default for key.
func (s *Store) SensorCodes(key string) []string {
	list := s.defaults[key]
	codes := make([]string, 0, len(list))
	for _, e := range list {
		codes = append(codes, e.Code)
	}
	return codes
}

func (t Table) clone() Table {
	out := make(Table, len(t))
	for k, list := range t {
		out[k] = cloneList(list)
	}
	return out
}

func cloneList(list []Entry) []Entry {
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

func equalLists(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
