// Package seed loads demo users and catalog data and writes them into a
// store.
package seed

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-orders/internal/domain/auth"
	"github.com/xenking/storefront-orders/internal/domain/product"
	"github.com/xenking/storefront-orders/internal/storage/memory"
)

type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type Category struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Product struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Category    string          `json:"category"`
	ImageURL    string          `json:"imageUrl"`
}

// Data is the content of a seed file.
type Data struct {
	Users      []User     `json:"users"`
	Categories []Category `json:"categories"`
	Products   []Product  `json:"products"`
}

// Load reads a seed file. Files ending in .gz are decompressed.
func Load(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var data Data
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return &data, nil
}

// Validate checks references and value ranges.
func (d *Data) Validate() error {
	for _, u := range d.Users {
		if u.ID <= 0 {
			return errors.Errorf("user %q: id must be positive", u.Email)
		}
		if u.Role != "" && u.Role != string(auth.RoleUser) && u.Role != string(auth.RoleAdmin) {
			return errors.Errorf("user %q: unknown role %q", u.Email, u.Role)
		}
	}
	categories := make(map[string]bool, len(d.Categories))
	for _, c := range d.Categories {
		categories[c.Name] = true
	}
	for _, p := range d.Products {
		if p.ID == uuid.Nil {
			return errors.Errorf("product %q: id required", p.Name)
		}
		if p.Stock < 0 || p.Price.IsNegative() {
			return errors.Errorf("product %q: price and stock must not be negative", p.Name)
		}
		if p.Category != "" && !categories[p.Category] {
			return errors.Errorf("product %q: unknown category %q", p.Name, p.Category)
		}
	}
	return nil
}

// Postgres upserts d in one transaction. Products are matched by id, so
// re-seeding resets their stock.
func Postgres(ctx context.Context, pool *pgxpool.Pool, d *Data) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, u := range d.Users {
			if _, err := tx.Exec(ctx, `
				INSERT INTO users (id, email, name, role) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, role = EXCLUDED.role`,
				u.ID, u.Email, u.Name, roleOrDefault(u.Role),
			); err != nil {
				return errors.Wrapf(err, "upsert user %d", u.ID)
			}
		}
		if _, err := tx.Exec(ctx,
			`SELECT setval(pg_get_serial_sequence('users', 'id'), GREATEST((SELECT max(id) FROM users), 1))`,
		); err != nil {
			return errors.Wrap(err, "advance user sequence")
		}

		for _, c := range d.Categories {
			if _, err := tx.Exec(ctx, `
				INSERT INTO categories (name, description) VALUES ($1, $2)
				ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description`,
				c.Name, c.Description,
			); err != nil {
				return errors.Wrapf(err, "upsert category %s", c.Name)
			}
		}

		for _, p := range d.Products {
			if _, err := tx.Exec(ctx, `
				INSERT INTO products (id, name, description, price, stock, category_id, image_url)
				VALUES ($1, $2, $3, $4, $5, (SELECT id FROM categories WHERE name = $6), $7)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					description = EXCLUDED.description,
					price = EXCLUDED.price,
					stock = EXCLUDED.stock,
					category_id = EXCLUDED.category_id,
					image_url = EXCLUDED.image_url,
					updated_at = now()`,
				p.ID, p.Name, p.Description, p.Price, p.Stock, p.Category, p.ImageURL,
			); err != nil {
				return errors.Wrapf(err, "upsert product %s", p.ID)
			}
		}
		return nil
	})
}

// Memory puts d into s. Categories are numbered from 1 in file order.
func Memory(s *memory.Store, d *Data) {
	for _, u := range d.Users {
		s.PutUser(memory.User{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	ids := make(map[string]int64, len(d.Categories))
	for i, c := range d.Categories {
		ids[c.Name] = int64(i + 1)
	}
	for _, p := range d.Products {
		var category *int64
		if id, ok := ids[p.Category]; ok {
			category = &id
		}
		s.PutProduct(product.Product{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Price:       p.Price,
			Stock:       p.Stock,
			CategoryID:  category,
			ImageURL:    p.ImageURL,
		})
	}
}

func roleOrDefault(role string) string {
	if role == "" {
		return string(auth.RoleUser)
	}
	return role
}
