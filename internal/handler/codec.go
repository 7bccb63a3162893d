package handler

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"

	"github.com/xenking/storefront-orders/internal/domain/order"
	"github.com/xenking/storefront-orders/internal/domain/product"
)

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("invalid request body")

// readBody reads at most h.maxBody bytes of the request body.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return data, nil
}

// decodeCreateOrder parses {"items":[{"productId":"…","quantity":1}]}.
// Other top-level fields sent by the storefront checkout are ignored.
func decodeCreateOrder(data []byte) ([]order.LineRequest, error) {
	var lines []order.LineRequest
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "items" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			line, err := decodeLine(d)
			if err != nil {
				return err
			}
			lines = append(lines, line)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return lines, nil
}

func decodeLine(d *jx.Decoder) (order.LineRequest, error) {
	var line order.LineRequest
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "productId", "product_id":
			s, err := d.Str()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return errors.Errorf("product id %q is not a valid UUID", s)
			}
			line.ProductID = id
			return nil
		case "quantity":
			q, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "quantity must be an integer")
			}
			line.Quantity = q
			return nil
		default:
			return d.Skip()
		}
	})
	return line, err
}

// decodeStatus parses {"status":"…"}.
func decodeStatus(data []byte) (string, error) {
	var status string
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		s, err := d.Str()
		status = s
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return status, nil
}

// writeData writes {"success":true,"message":msg,"data":…}. An empty msg is
// omitted.
func writeData(w http.ResponseWriter, status int, msg string, data func(e *jx.Encoder)) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
		if msg != "" {
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		}
		e.Field("data", data)
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(o.ID) })
		e.Field("userId", func(e *jx.Encoder) { e.Int64(o.UserID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("total", func(e *jx.Encoder) { e.Str(o.Total.StringFixed(2)) })
		e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, o.CreatedAt) })
		e.Field("updatedAt", func(e *jx.Encoder) { encodeTime(e, o.UpdatedAt) })
		if c := o.Customer; c != nil {
			e.Field("user", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("id", func(e *jx.Encoder) { e.Int64(c.ID) })
					e.Field("name", func(e *jx.Encoder) { e.Str(c.Name) })
					e.Field("email", func(e *jx.Encoder) { e.Str(c.Email) })
				})
			})
		}
		e.Field("items", func(e *jx.Encoder) {
			e.ArrStart()
			for _, item := range o.Items {
				e.Obj(func(e *jx.Encoder) {
					e.Field("productId", func(e *jx.Encoder) { e.Str(item.ProductID.String()) })
					e.Field("productName", func(e *jx.Encoder) { e.Str(item.ProductName) })
					e.Field("quantity", func(e *jx.Encoder) { e.Int(item.Quantity) })
					e.Field("price", func(e *jx.Encoder) { e.Str(item.Price.StringFixed(2)) })
					e.Field("subtotal", func(e *jx.Encoder) { e.Str(item.Subtotal().StringFixed(2)) })
				})
			}
			e.ArrEnd()
		})
	})
}

func encodeOrders(e *jx.Encoder, orders []order.Order) {
	e.ArrStart()
	for i := range orders {
		encodeOrder(e, &orders[i])
	}
	e.ArrEnd()
}

func encodePage(e *jx.Encoder, p *order.Page) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("orders", func(e *jx.Encoder) { encodeOrders(e, p.Orders) })
		e.Field("total", func(e *jx.Encoder) { e.Int(p.Total) })
		e.Field("page", func(e *jx.Encoder) { e.Int(p.Page) })
		e.Field("limit", func(e *jx.Encoder) { e.Int(p.Limit) })
		e.Field("pages", func(e *jx.Encoder) { e.Int(p.Pages) })
	})
}

func encodeStats(e *jx.Encoder, st *order.Stats) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("orders", func(e *jx.Encoder) { e.Int(st.Orders) })
		e.Field("recentOrders", func(e *jx.Encoder) { e.Int(st.RecentOrders) })
		e.Field("ordersChange", func(e *jx.Encoder) { e.Int(st.OrdersChange) })
		e.Field("sales", func(e *jx.Encoder) { e.Str(st.Sales.StringFixed(2)) })
		e.Field("recentSales", func(e *jx.Encoder) { e.Str(st.RecentSales.StringFixed(2)) })
		e.Field("salesChange", func(e *jx.Encoder) { e.Int(st.SalesChange) })
		e.Field("since", func(e *jx.Encoder) { encodeTime(e, st.Since) })
	})
}

func (h *Handler) encodeProduct(e *jx.Encoder, p *product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(p.ID.String()) })
		e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
		e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
		e.Field("price", func(e *jx.Encoder) { e.Str(p.Price.StringFixed(2)) })
		e.Field("stock", func(e *jx.Encoder) { e.Int(p.Stock) })
		e.Field("categoryId", func(e *jx.Encoder) {
			if p.CategoryID == nil {
				e.Null()
				return
			}
			e.Int64(*p.CategoryID)
		})
		e.Field("imageUrl", func(e *jx.Encoder) { e.Str(h.imageURL(p.ImageURL)) })
	})
}

// imageURL prefixes relative paths with the configured base URL.
func (h *Handler) imageURL(path string) string {
	if path == "" || h.imageBaseURL == "" ||
		strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(h.imageBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
