package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LineItem is one order line with an explicit commodity code.
type LineItem struct {
	Name      string    `json:"name"`
	Commodity Commodity `json:"commodity"`
	Quantity  float64   `json:"quantity"`
	Unit      string    `json:"unit"`
	UnitPrice float64   `json:"unitPrice"`
}

// Order is an incoming subsidized purchase. Immutable once created.
type Order struct {
	ID            string     `json:"id"`
	BeneficiaryID string     `json:"beneficiaryId"`
	StoreID       string     `json:"storeId"`
	Items         []LineItem `json:"items"`
	TotalAmount   float64    `json:"totalAmount"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Quantity returns the total ordered quantity of commodity c.
func (o *Order) Quantity(c Commodity) float64 {
	var total float64
	for _, item := range o.Items {
		if item.Commodity == c {
			total += item.Quantity
		}
	}
	return total
}

// legacyQtyPattern matches the "(<N><unit>)" suffix of legacy display
// strings, e.g. "Raw Rice (5kg)" or "Sugar (500g)".
var legacyQtyPattern = regexp.MustCompile(`\(([\d.]+)\s*([a-zA-Z]*)\)\s*$`)

// ParseLegacyItem converts a legacy display string into a LineItem.
// This is a boundary-only compatibility parser for data ingested from the
// old order pipeline; malformed strings degrade to zero quantity rather
// than failing ingestion.
func ParseLegacyItem(display string) LineItem {
	item := LineItem{Name: strings.TrimSpace(display)}

	if m := legacyQtyPattern.FindStringSubmatch(display); m != nil {
		qty, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			item.Quantity = qty
		}
		item.Unit = strings.ToLower(m[2])
		item.Name = strings.TrimSpace(display[:len(display)-len(m[0])])
	}

	item.Commodity = ClassifyCommodity(item.Name)
	return item
}

// commodityKeywords maps display-name keywords to commodity codes.
// Whole-word matching avoids the classic substring trap where a product
// like "Ricewood Mat" would classify as rice.
var commodityKeywords = map[string]Commodity{
	"rice":     CommodityRice,
	"wheat":    CommodityWheat,
	"atta":     CommodityWheat,
	"sugar":    CommoditySugar,
	"dal":      CommodityDal,
	"lentil":   CommodityDal,
	"oil":      CommodityOil,
	"salt":     CommoditySalt,
	"tea":      CommodityTea,
	"kerosene": CommodityOther,
}

var wordPattern = regexp.MustCompile(`[a-z]+`)

// ClassifyCommodity infers a commodity code from a display name.
// Used only at the ingestion boundary; unknown names map to "other".
func ClassifyCommodity(name string) Commodity {
	for _, word := range wordPattern.FindAllString(strings.ToLower(name), -1) {
		if c, ok := commodityKeywords[word]; ok {
			return c
		}
	}
	return CommodityOther
}
