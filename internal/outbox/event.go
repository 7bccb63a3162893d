// Package outbox relays order events recorded alongside order changes to a
// message broker.
package outbox

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-orders/internal/domain/order"
)

// EncodeEvent returns the JSON payload stored and published for e.
func EncodeEvent(e order.Event) []byte {
	var enc jx.Encoder
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("event_id", func(enc *jx.Encoder) { enc.Str(e.ID.String()) })
		enc.Field("type", func(enc *jx.Encoder) { enc.Str(string(e.Type)) })
		enc.Field("order_id", func(enc *jx.Encoder) { enc.Int64(e.OrderID) })
		enc.Field("user_id", func(enc *jx.Encoder) { enc.Int64(e.UserID) })
		enc.Field("status", func(enc *jx.Encoder) { enc.Str(string(e.Status)) })
		enc.Field("total", func(enc *jx.Encoder) { enc.Str(e.Total.StringFixed(2)) })
		enc.Field("items", func(enc *jx.Encoder) {
			enc.Arr(func(enc *jx.Encoder) {
				for _, item := range e.Items {
					enc.Obj(func(enc *jx.Encoder) {
						enc.Field("product_id", func(enc *jx.Encoder) { enc.Str(item.ProductID.String()) })
						enc.Field("product_name", func(enc *jx.Encoder) { enc.Str(item.ProductName) })
						enc.Field("quantity", func(enc *jx.Encoder) { enc.Int(item.Quantity) })
						enc.Field("price", func(enc *jx.Encoder) { enc.Str(item.Price.StringFixed(2)) })
					})
				}
			})
		})
	})
	return enc.Bytes()
}

// DecodeEvent parses a payload produced by EncodeEvent. Unknown fields are
// skipped.
func DecodeEvent(data []byte) (order.Event, error) {
	var e order.Event
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "event_id":
			e.ID, err = decodeUUID(d)
		case "type":
			var s string
			s, err = d.Str()
			e.Type = order.EventType(s)
		case "order_id":
			e.OrderID, err = d.Int64()
		case "user_id":
			e.UserID, err = d.Int64()
		case "status":
			var s string
			s, err = d.Str()
			e.Status = order.Status(s)
		case "total":
			e.Total, err = decodeDecimal(d)
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeItem(d)
				if err != nil {
					return err
				}
				e.Items = append(e.Items, item)
				return nil
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return order.Event{}, errors.Wrap(err, "decode event")
	}
	return e, nil
}

func decodeItem(d *jx.Decoder) (order.Item, error) {
	var item order.Item
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			item.ProductID, err = decodeUUID(d)
		case "product_name":
			item.ProductName, err = d.Str()
		case "quantity":
			item.Quantity, err = d.Int()
		case "price":
			item.Price, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return item, err
}

func decodeUUID(d *jx.Decoder) (uuid.UUID, error) {
	s, err := d.Str()
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(s)
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}
