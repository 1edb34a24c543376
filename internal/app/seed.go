package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quipucords/quipucords/internal/model"
)

// Seed creates the credentials, sources and scans of the inventory file
// which the store does not hold yet, matching them by name. Existing
// entries are left untouched, the API owns them once created.
func (p *Process) Seed(ctx context.Context) error {
	inv := p.inventory
	if len(inv.Credentials)+len(inv.Sources)+len(inv.Scans) == 0 {
		return nil
	}

	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return err
	}
	credIDs := make(map[string]int64, len(creds))
	for _, c := range creds {
		credIDs[c.Name] = c.ID
	}
	for _, cfg := range inv.Credentials {
		if _, ok := credIDs[cfg.Name]; ok {
			continue
		}
		cred, err := cfg.Credential()
		if err != nil {
			return err
		}
		if err := cred.Validate(); err != nil {
			return fmt.Errorf("credential %q: %w", cfg.Name, err)
		}
		if cred, err = p.box.SealCredential(cred); err != nil {
			return err
		}
		if cred, err = p.store.CreateCredential(ctx, cred); err != nil {
			return fmt.Errorf("creating credential %q: %w", cfg.Name, err)
		}
		credIDs[cred.Name] = cred.ID
		slog.InfoContext(ctx, "credential created from inventory", "credential", cred.Name)
	}

	sources, err := p.store.ListSources(ctx)
	if err != nil {
		return err
	}
	sourceIDs := make(map[string]int64, len(sources))
	for _, s := range sources {
		sourceIDs[s.Name] = s.ID
	}
	for _, cfg := range inv.Sources {
		if _, ok := sourceIDs[cfg.Name]; ok {
			continue
		}
		ids, err := lookup(credIDs, cfg.Credentials, "credential")
		if err != nil {
			return fmt.Errorf("source %q: %w", cfg.Name, err)
		}
		src, err := p.store.CreateSource(ctx, cfg.Source(ids))
		if err != nil {
			return fmt.Errorf("creating source %q: %w", cfg.Name, err)
		}
		sourceIDs[src.Name] = src.ID
		slog.InfoContext(ctx, "source created from inventory", "source", src.Name)
	}

	for _, cfg := range inv.Scans {
		_, err := p.store.ScanByName(ctx, cfg.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		ids, err := lookup(sourceIDs, cfg.Sources, "source")
		if err != nil {
			return fmt.Errorf("scan %q: %w", cfg.Name, err)
		}
		scan, err := p.store.CreateScan(ctx, cfg.Scan(ids))
		if err != nil {
			return fmt.Errorf("creating scan %q: %w", cfg.Name, err)
		}
		slog.InfoContext(ctx, "scan created from inventory", "scan", scan.Name)
	}
	return nil
}

func lookup(ids map[string]int64, names []string, kind string) ([]int64, error) {
	ret := make([]int64, 0, len(names))
	for _, n := range names {
		id, ok := ids[n]
		if !ok {
			return nil, fmt.Errorf("%s %q: %w", kind, n, model.ErrNotFound)
		}
		ret = append(ret, id)
	}
	return ret, nil
}
