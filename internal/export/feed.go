// Package export publishes submitted orders to the back-office feed and
// promotes newly exported orders to PROCESSING.
package export

import (
	"strconv"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/order"
)

const (
	orderDateLayout = "2006-01-02 15:04:05"
	defaultName     = "Покупець"
	defaultCountry  = "Україна"
	retailSaleType  = "1"
)

// Record is one encoded order.
type Record struct {
	OrderID     int64
	OrderNumber string
	Status      order.Status
	Data        []byte
}

// Feed encodes orders in the back-office exchange format. Field names are
// fixed by the consuming system.
type Feed struct {
	// Location is the zone of OrderDate.
	Location *time.Location
	Currency string
}

// Record encodes a single order.
func (f Feed) Record(o *order.Order) Record {
	var e jx.Encoder
	f.encode(&e, o)
	return Record{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Status:      o.Status,
		Data:        e.Bytes(),
	}
}

// Document joins records into the JSON array written to files.
func Document(records []Record) []byte {
	var e jx.Encoder
	e.SetIdent(2)
	e.ArrStart()
	for _, r := range records {
		e.Raw(r.Data)
	}
	e.ArrEnd()
	return e.Bytes()
}

func (f Feed) encode(e *jx.Encoder, o *order.Order) {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	currency := f.Currency
	if currency == "" {
		currency = "UAH"
	}
	number := o.OrderNumber
	if number == "" {
		number = strconv.FormatInt(o.ID, 10)
	}
	name := o.Contact.FullName
	if name == "" {
		name = defaultName
	}

	e.ObjStart()

	e.FieldStart("Client")
	e.ObjStart()
	str(e, "Name", name)
	str(e, "MPhone", o.Contact.Phone)
	str(e, "CPhone", "")
	str(e, "ZIP", "")
	str(e, "Country", defaultCountry)
	str(e, "Region", "")
	str(e, "Місто", o.Delivery.City)
	str(e, "Address", o.Delivery.Address)
	str(e, "EMail", o.Contact.Email)
	e.ObjEnd()

	e.FieldStart("Options")
	e.ObjStart()
	str(e, "SaleType", retailSaleType)
	str(e, "Comment", o.Comment)
	str(e, "OrderNumber", number)
	str(e, "DeliveryCondition", o.Delivery.Method.DisplayName())
	str(e, "DeliveryAddress", o.Delivery.Address)
	str(e, "ReserveDate", "")
	str(e, "BonusPay", "0")
	str(e, "GiftCertificate", "")
	str(e, "OrderDate", o.CreatedAt.In(loc).Format(orderDateLayout))
	str(e, "CurrencyInternationalCode", currency)
	e.ObjEnd()

	e.FieldStart("Goods")
	e.ArrStart()
	for _, item := range o.Items {
		e.ObjStart()
		str(e, "GoodID", item.GoodID())
		str(e, "Price", item.UnitPrice.StringFixed(2))
		str(e, "Count", strconv.Itoa(item.Quantity))
		e.ObjEnd()
	}
	e.ArrEnd()

	e.ObjEnd()
}

func str(e *jx.Encoder, field, value string) {
	e.FieldStart(field)
	e.Str(value)
}
