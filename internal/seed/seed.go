// Package seed loads scenarios, the org directory and governed entities from
// a YAML file into a store.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
)

// File is the document layout of a seed file.
type File struct {
	Scenarios []Scenario `yaml:"scenarios"`
	Depts     []Dept     `yaml:"depts"`
	Users     []User     `yaml:"users"`
	Contracts []Contract `yaml:"contracts"`
	Changes   []Change   `yaml:"changes"`
}

// Scenario declares a scenario with its nodes in approval order.
type Scenario struct {
	ID          string `yaml:"id"`
	SubTypeCode string `yaml:"sub_type_code"`
	Name        string `yaml:"name"`
	AmountMin   int64  `yaml:"amount_min"`
	AmountMax   *int64 `yaml:"amount_max"`
	FastTrack   bool   `yaml:"fast_track"`
	Active      *bool  `yaml:"active"`
	Nodes       []Node `yaml:"nodes"`
}

// Node is one scenario node. Mandatory defaults to true.
type Node struct {
	Role      string `yaml:"role"`
	Level     string `yaml:"level"`
	Name      string `yaml:"name"`
	Action    string `yaml:"action"`
	Mandatory *bool  `yaml:"mandatory"`
	CanSkip   bool   `yaml:"can_skip"`
}

type Dept struct {
	ID       string `yaml:"id"`
	ParentID string `yaml:"parent"`
	Type     string `yaml:"type"`
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
}

type User struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	RealName string `yaml:"name"`
	DeptID   string `yaml:"dept"`
	Role     string `yaml:"role"`
	Inactive bool   `yaml:"inactive"`
}

type Contract struct {
	ID          string `yaml:"id"`
	No          string `yaml:"no"`
	Name        string `yaml:"name"`
	Amount      int64  `yaml:"amount"`
	Content     string `yaml:"content"`
	PartyB      string `yaml:"party_b"`
	SubTypeCode string `yaml:"sub_type_code"`
	Version     string `yaml:"version"`
}

// Change is a contract amendment. After holds the fields the amendment
// rewrites on approval.
type Change struct {
	ID         string  `yaml:"id"`
	No         string  `yaml:"no"`
	ContractID string  `yaml:"contract"`
	AmountDiff int64   `yaml:"amount_diff"`
	Version    string  `yaml:"version"`
	After      Content `yaml:"after"`
}

type Content struct {
	Name    *string `yaml:"name"`
	Amount  *int64  `yaml:"amount"`
	Content *string `yaml:"content"`
	PartyB  *string `yaml:"party_b"`
}

// Stats counts what Apply wrote.
type Stats struct {
	Scenarios int
	Nodes     int
	Depts     int
	Users     int
	Contracts int
	Changes   int
}

// Parse decodes a seed document.
func Parse(data []byte) (*File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("seed: payload is empty")
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("seed: decode: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and decodes a seed file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("seed: %s: %w", path, err)
	}
	return f, nil
}

func (f *File) validate() error {
	seen := make(map[string]bool, len(f.Scenarios))
	for i, sc := range f.Scenarios {
		if sc.ID == "" {
			return errors.InvalidInput(fmt.Sprintf("scenarios[%d].id", i), "required")
		}
		if seen[sc.ID] {
			return errors.InvalidInput(fmt.Sprintf("scenarios[%d].id", i), "duplicate "+sc.ID)
		}
		seen[sc.ID] = true
		for j, n := range sc.Nodes {
			if n.Role == "" || n.Action == "" {
				return errors.InvalidInput(fmt.Sprintf("scenarios[%d].nodes[%d]", i, j), "role and action are required")
			}
		}
	}
	for i, u := range f.Users {
		if u.ID == "" || u.Role == "" {
			return errors.InvalidInput(fmt.Sprintf("users[%d]", i), "id and role are required")
		}
	}
	for i, ch := range f.Changes {
		if ch.ID == "" || ch.ContractID == "" {
			return errors.InvalidInput(fmt.Sprintf("changes[%d]", i), "id and contract are required")
		}
	}
	return nil
}

// Apply writes the file into store in one transaction. Existing scenarios
// keep their nodes, and existing contracts and changes are left alone, so
// a file can be applied repeatedly.
func Apply(ctx context.Context, store repository.Store, f *File, log *logger.Logger) (*Stats, error) {
	stats := &Stats{}
	err := store.InTransaction(ctx, func(tx repository.Tx) error {
		for _, d := range f.Depts {
			if err := tx.Directory().UpsertDept(ctx, &repository.Dept{
				ID: d.ID, ParentID: d.ParentID, Type: d.Type, Code: d.Code, Name: d.Name,
			}); err != nil {
				return err
			}
			stats.Depts++
		}
		for _, u := range f.Users {
			if err := tx.Directory().UpsertUser(ctx, &repository.User{
				ID: u.ID, Username: u.Username, RealName: u.RealName, DeptID: u.DeptID,
				PrimaryRole: u.Role, IsActive: !u.Inactive,
			}); err != nil {
				return err
			}
			stats.Users++
		}
		for _, sc := range f.Scenarios {
			n, err := applyScenario(ctx, tx, sc)
			if err != nil {
				return err
			}
			stats.Scenarios++
			stats.Nodes += n
		}
		for _, c := range f.Contracts {
			created, err := applyContract(ctx, tx, c)
			if err != nil {
				return err
			}
			if created {
				stats.Contracts++
			}
		}
		for _, ch := range f.Changes {
			created, err := applyChange(ctx, tx, ch)
			if err != nil {
				return err
			}
			if created {
				stats.Changes++
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to apply seed")
	}

	log.Info().
		Int("scenarios", stats.Scenarios).
		Int("nodes", stats.Nodes).
		Int("depts", stats.Depts).
		Int("users", stats.Users).
		Int("contracts", stats.Contracts).
		Int("changes", stats.Changes).
		Msg("Seed applied")
	return stats, nil
}

func applyScenario(ctx context.Context, tx repository.Tx, sc Scenario) (int, error) {
	if err := tx.Scenarios().Lock(ctx, sc.ID); err != nil {
		return 0, err
	}
	active := true
	if sc.Active != nil {
		active = *sc.Active
	}
	if err := tx.Scenarios().Upsert(ctx, &repository.Scenario{
		ScenarioID:  sc.ID,
		SubTypeCode: sc.SubTypeCode,
		Name:        sc.Name,
		AmountMin:   sc.AmountMin,
		AmountMax:   sc.AmountMax,
		IsFastTrack: sc.FastTrack,
		IsActive:    active,
	}); err != nil {
		return 0, err
	}

	existing, err := tx.Scenarios().ListNodes(ctx, sc.ID)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for i, n := range sc.Nodes {
		mandatory := true
		if n.Mandatory != nil {
			mandatory = *n.Mandatory
		}
		name := n.Name
		if name == "" {
			name = n.Role
		}
		if err := tx.Scenarios().InsertNode(ctx, &repository.ScenarioNode{
			ScenarioID:  sc.ID,
			NodeOrder:   i + 1,
			RoleCode:    n.Role,
			NodeLevel:   n.Level,
			NodeName:    name,
			ActionType:  n.Action,
			IsMandatory: mandatory,
			CanSkip:     n.CanSkip,
		}); err != nil {
			return 0, err
		}
	}
	return len(sc.Nodes), nil
}

func applyContract(ctx context.Context, tx repository.Tx, c Contract) (bool, error) {
	if _, err := tx.Contracts().GetContract(ctx, c.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, errors.ErrCodeNotFound) {
		return false, err
	}
	version := c.Version
	if version == "" {
		version = "v1"
	}
	return true, tx.Contracts().CreateContract(ctx, &repository.Contract{
		ID:          c.ID,
		ContractNo:  c.No,
		Name:        c.Name,
		Amount:      c.Amount,
		Content:     c.Content,
		PartyB:      c.PartyB,
		SubTypeCode: c.SubTypeCode,
		Version:     version,
		Status:      repository.EntityDraft,
	})
}

func applyChange(ctx context.Context, tx repository.Tx, ch Change) (bool, error) {
	if _, err := tx.Contracts().GetChange(ctx, ch.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, errors.ErrCodeNotFound) {
		return false, err
	}
	before, err := tx.Contracts().GetContract(ctx, ch.ContractID)
	if err != nil {
		return false, err
	}
	diff, err := json.Marshal(service.ChangeDiff{
		BeforeContent: &service.ChangeContent{
			Name: &before.Name, Amount: &before.Amount, Content: &before.Content, PartyB: &before.PartyB,
		},
		AfterContent: &service.ChangeContent{
			Name: ch.After.Name, Amount: ch.After.Amount, Content: ch.After.Content, PartyB: ch.After.PartyB,
		},
	})
	if err != nil {
		return false, err
	}
	return true, tx.Contracts().CreateChange(ctx, &repository.ContractChange{
		ID:            ch.ID,
		ChangeNo:      ch.No,
		ContractID:    ch.ContractID,
		AmountDiff:    ch.AmountDiff,
		DiffData:      diff,
		ChangeVersion: ch.Version,
		Status:        repository.EntityDraft,
	})
}
