package offline

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/salvacell/offsync/internal/models"
)

// OrderFilter narrows ListOrders. Zero fields do not filter. FechaDesde and
// FechaHasta bound fechaIngreso inclusively and compare as ISO-8601 strings.
type OrderFilter struct {
	Estado     string
	ClienteID  string
	FechaDesde string
	FechaHasta string
}

// CreateOrder creates a repair order.
func (s *Service) CreateOrder(ctx context.Context, fields map[string]interface{}) (*models.Record, error) {
	return s.Create(ctx, models.EntityOrden, fields)
}

// UpdateOrder updates a repair order.
func (s *Service) UpdateOrder(ctx context.Context, id string, updates map[string]interface{}) (*models.Record, error) {
	return s.Update(ctx, models.EntityOrden, id, updates)
}

// GetOrder returns one order, including ones created locally.
func (s *Service) GetOrder(ctx context.Context, id string) (*models.Record, error) {
	return s.Get(ctx, models.EntityOrden, id)
}

// ListOrders returns orders matching f, newest fechaIngreso first.
func (s *Service) ListOrders(ctx context.Context, f OrderFilter) ([]*models.Record, error) {
	orders, err := s.repo.QueryRecords(ctx, models.EntityOrden, f.match)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return fechaIngreso(orders[i]).After(fechaIngreso(orders[j]))
	})
	return orders, nil
}

func (f OrderFilter) match(r *models.Record) bool {
	if f.Estado != "" && r.String("estado") != f.Estado {
		return false
	}
	if f.ClienteID != "" && scalarString(r.Fields["clienteId"]) != f.ClienteID {
		return false
	}
	fecha := r.String("fechaIngreso")
	if f.FechaDesde != "" && fecha < f.FechaDesde {
		return false
	}
	if f.FechaHasta != "" && fecha > f.FechaHasta {
		return false
	}
	return true
}

var fechaLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// fechaIngreso parses the intake date; unparseable dates sort last.
func fechaIngreso(r *models.Record) time.Time {
	v := r.String("fechaIngreso")
	for _, layout := range fechaLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// scalarString renders a JSON scalar so ids compare the same whether the
// server sent them as numbers or strings.
func scalarString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return ""
	}
	return ""
}
