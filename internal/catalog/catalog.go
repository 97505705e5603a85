package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrDuplicateID is returned when two scenarios share an id.
var ErrDuplicateID = errors.New("catalog: duplicate scenario id")

// Theme is a display group of scenario variations.
type Theme struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

// File is the top-level structure of a scenario catalog YAML file.
type File struct {
	Themes    []Theme    `yaml:"themes"`
	Scenarios []Scenario `yaml:"scenarios"`
}

// DefaultThemes is the display order used when a file declares no themes.
var DefaultThemes = []Theme{
	{"taxi", "Заказ такси"}, {"hotel", "Бронирование отеля"}, {"supermarket", "В супермаркете"},
	{"clothes", "Покупка одежды"}, {"restaurant", "Заказ в ресторане"}, {"coffee", "Кофейня"},
	{"apartment", "Аренда квартиры"}, {"friend", "Встреча со старым другом"}, {"salon", "Салон"},
	{"pharmacy", "В аптеке"}, {"flowers", "Заказ цветов"}, {"cake", "Заказ торта"},
	{"drycleaning", "Химчистка"}, {"postoffice", "На почте"}, {"lunch", "Обеденный разговор"},
	{"anniversary", "Годовщина"}, {"dietary", "Диета и ограничения"}, {"datenight", "Свидание"},
	{"doctor", "У врача"}, {"train", "Покупка билета (поезд/автобус)"}, {"travel", "Турагентство"},
	{"conflict", "Спор с другом"}, {"party", "Организация вечеринки"}, {"police", "В полиции"},
	{"petshop", "Зоомагазин"}, {"luggage", "Потерянный багаж"}, {"carrental", "Аренда авто"},
	{"vet", "У ветеринара"}, {"mechanic", "В автосервисе"},
}

const schemaURL = "parley://catalog.schema.json"

// fileSchema constrains the shape of a catalog file before it is decoded.
const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["scenarios"],
  "properties": {
    "themes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "label"],
        "properties": {"id": {"type": "string", "minLength": 1}, "label": {"type": "string"}}
      }
    },
    "scenarios": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "category", "system_prompt"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "category": {"enum": ["everyday", "professional", "fun"]},
          "system_prompt": {"type": "string", "minLength": 1},
          "difficulty": {"enum": ["easy", "medium", "hard"]},
          "slang_mode": {"enum": ["off", "light", "heavy"]},
          "profanity_intensity": {"enum": ["light", "medium", "hard"]},
          "allow_profanity": {"type": "boolean"},
          "ai_may_use_profanity": {"type": "boolean"},
          "steps": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "order", "title_ru"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "order": {"type": "integer", "minimum": 1},
                "title_ru": {"type": "string"},
                "title_en": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(fileSchema)); err != nil {
		return nil, fmt.Errorf("catalog: add schema resource: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: compile schema: %w", err)
	}
	return s, nil
}

// LoadFile reads, validates and indexes a catalog YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: load %q: %w", path, err)
	}
	return c, nil
}

// LoadFromReader parses catalog YAML from r. The document is checked against
// the catalog schema first, then decoded strictly so unknown keys fail.
func LoadFromReader(r io.Reader) (*Catalog, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON value types.
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("catalog: convert yaml: %w", err)
	}
	var inst any
	if err := json.Unmarshal(js, &inst); err != nil {
		return nil, fmt.Errorf("catalog: convert yaml: %w", err)
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(file.Scenarios, file.Themes)
}

// Catalog is an immutable, indexed set of scenarios. It is safe for
// concurrent use.
type Catalog struct {
	scenarios []Scenario
	byID      map[string]int
	themes    []Theme
}

// New indexes scenarios. Each scenario is validated; all problems are
// reported together. A nil themes slice selects [DefaultThemes].
func New(scenarios []Scenario, themes []Theme) (*Catalog, error) {
	if themes == nil {
		themes = DefaultThemes
	}
	c := &Catalog{
		scenarios: make([]Scenario, 0, len(scenarios)),
		byID:      make(map[string]int, len(scenarios)),
		themes:    append([]Theme(nil), themes...),
	}
	var errs []error
	for i, s := range scenarios {
		if err := Validate(s); err != nil {
			errs = append(errs, fmt.Errorf("scenarios[%d] (%s): %w", i, s.ID, err))
			continue
		}
		if _, dup := c.byID[s.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateID, s.ID))
			continue
		}
		c.byID[s.ID] = len(c.scenarios)
		c.scenarios = append(c.scenarios, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Len returns the number of scenarios.
func (c *Catalog) Len() int { return len(c.scenarios) }

// All returns every scenario in file order.
func (c *Catalog) All() []Scenario {
	return append([]Scenario(nil), c.scenarios...)
}

// Get returns the scenario with id.
func (c *Catalog) Get(id string) (Scenario, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Scenario{}, false
	}
	return c.scenarios[i], true
}

// ByTheme returns every variation of theme in file order.
func (c *Catalog) ByTheme(theme string) []Scenario {
	return c.filter(func(s Scenario) bool { return s.ThemeID == theme })
}

// ByCategory returns the scenarios of category cat in file order.
func (c *Catalog) ByCategory(cat Category) []Scenario {
	return c.filter(func(s Scenario) bool { return s.Category == cat })
}

func (c *Catalog) filter(keep func(Scenario) bool) []Scenario {
	var out []Scenario
	for _, s := range c.scenarios {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Group is one theme with its scenarios.
type Group struct {
	Theme     Theme
	Scenarios []Scenario
}

// Grouped returns the non-empty themes in theme order. Scenarios whose
// theme is not declared are not included.
func (c *Catalog) Grouped() []Group {
	var out []Group
	for _, t := range c.themes {
		if ss := c.ByTheme(t.ID); len(ss) > 0 {
			label := t.Label
			if label == "" {
				label = t.ID
			}
			out = append(out, Group{Theme: Theme{ID: t.ID, Label: label}, Scenarios: ss})
		}
	}
	return out
}
