package offline

import (
	"context"
	"errors"
	"strings"

	"github.com/salvacell/offsync/internal/db"
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/models"
)

// Server collection names used by the refreshes.
const (
	CollectionClientes    = "clientes"
	CollectionRefacciones = "refacciones"
	CollectionAccesorios  = "accesorios"
)

var catalogFields = []string{"nombre", "codigo", "categoria"}

// SearchCustomers matches term against "nombre apellido" and email ignoring
// case, and against telefono as typed.
func (s *Service) SearchCustomers(ctx context.Context, term string) ([]*models.Record, error) {
	if term == "" {
		return s.List(ctx, models.EntityCliente)
	}
	lower := strings.ToLower(term)
	return s.repo.QueryRecords(ctx, models.EntityCliente, func(r *models.Record) bool {
		fullName := strings.ToLower(r.String("nombre") + " " + r.String("apellido"))
		return strings.Contains(fullName, lower) ||
			strings.Contains(r.String("telefono"), term) ||
			strings.Contains(strings.ToLower(r.String("email")), lower)
	})
}

// GetCustomer returns one customer.
func (s *Service) GetCustomer(ctx context.Context, id string) (*models.Record, error) {
	return s.Get(ctx, models.EntityCliente, id)
}

// SearchParts searches spare parts by nombre, codigo or categoria.
func (s *Service) SearchParts(ctx context.Context, term string) ([]*models.Record, error) {
	return s.Search(ctx, models.EntityRefaccion, term, catalogFields...)
}

// SearchAccessories searches accessories by nombre, codigo or categoria.
func (s *Service) SearchAccessories(ctx context.Context, term string) ([]*models.Record, error) {
	return s.Search(ctx, models.EntityAccesorio, term, catalogFields...)
}

// RefreshCustomers replaces the local customers with the server's list.
// Offline it does nothing and returns 0.
func (s *Service) RefreshCustomers(ctx context.Context) (int, error) {
	if !s.net.IsOnline() {
		logging.Info("Offline, customer refresh skipped", nil)
		return 0, nil
	}
	return s.refresh(ctx, CollectionClientes, models.EntityCliente)
}

// RefreshInventory replaces local parts and accessories. A failure on one
// collection does not stop the other.
func (s *Service) RefreshInventory(ctx context.Context) (parts, accessories int, err error) {
	if !s.net.IsOnline() {
		logging.Info("Offline, inventory refresh skipped", nil)
		return 0, 0, nil
	}
	parts, errParts := s.refresh(ctx, CollectionRefacciones, models.EntityRefaccion)
	accessories, errAcc := s.refresh(ctx, CollectionAccesorios, models.EntityAccesorio)
	return parts, accessories, errors.Join(errParts, errAcc)
}

// refresh bulk-replaces entity with the server collection. Records still
// pending locally are written back on top so unsynced edits survive.
func (s *Service) refresh(ctx context.Context, collection, entity string) (int, error) {
	items, err := s.remote.List(ctx, collection)
	if err != nil {
		return 0, err
	}

	recs := make([]*models.Record, 0, len(items))
	for _, item := range items {
		id := scalarString(item["id"])
		if id == "" {
			logging.Warn("Skipping server record without id", map[string]interface{}{"collection": collection})
			continue
		}
		recs = append(recs, &models.Record{Entity: entity, ID: id, Fields: item})
	}

	err = s.repo.RunInTx(ctx, func(tx *db.Repository) error {
		pending, err := tx.QueryRecords(ctx, entity, func(r *models.Record) bool {
			return r.SyncStatus == models.SyncStatusPending
		})
		if err != nil {
			return err
		}
		if err := tx.BulkReplace(ctx, entity, recs); err != nil {
			return err
		}
		for _, r := range pending {
			if err := tx.PutRecord(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logging.Info("Collection refreshed", map[string]interface{}{"collection": collection, "count": len(recs)})
	return len(recs), nil
}
