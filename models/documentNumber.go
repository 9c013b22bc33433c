package models

import (
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"gorm.io/gorm"
)

// DocumentKind selects which document table a number is issued against.
type DocumentKind string

const (
	DocumentKindSalesOrder    DocumentKind = "SalesOrder"
	DocumentKindPurchaseOrder DocumentKind = "PurchaseOrder"
	DocumentKindInvoice       DocumentKind = "Invoice"
	DocumentKindInquiry       DocumentKind = "Inquiry"
)

type documentSpec struct {
	Table         string
	DateColumn    string
	NumberColumn  string
	DefaultPrefix string
}

var documentSpecs = map[DocumentKind]documentSpec{
	DocumentKindSalesOrder:    {Table: "sales_orders", DateColumn: "order_date", NumberColumn: "order_number", DefaultPrefix: "SO"},
	DocumentKindPurchaseOrder: {Table: "purchase_orders", DateColumn: "order_date", NumberColumn: "order_number", DefaultPrefix: "PO"},
	DocumentKindInvoice:       {Table: "invoices", DateColumn: "invoice_date", NumberColumn: "invoice_number", DefaultPrefix: "IV"},
	DocumentKindInquiry:       {Table: "inquiries", DateColumn: "inquiry_date", NumberColumn: "inquiry_number", DefaultPrefix: "IQ"},
}

// DocumentPrefix lets a deployment override the default per-kind prefix.
type DocumentPrefix struct {
	ID     int    `gorm:"primary_key" json:"id"`
	Kind   string `gorm:"size:30;uniqueIndex;not null" json:"kind"`
	Prefix string `gorm:"size:10;not null" json:"prefix"`
}

const numberSuffixWidth = 6

// periodKey buckets a document date into its fiscal year-month; the
// 6-digit suffix resets whenever the bucket changes.
func periodKey(date time.Time) string {
	return date.UTC().Format("0601")
}

func periodBounds(date time.Time) (time.Time, time.Time) {
	d := date.UTC()
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// parseNumberSuffix extracts the trailing sequence digits of a document
// number; malformed legacy numbers count as suffix 0 so issuance can
// continue rather than fail.
func parseNumberSuffix(number string) int {
	if len(number) < numberSuffixWidth {
		return 0
	}
	n, err := strconv.Atoi(number[len(number)-numberSuffixWidth:])
	if err != nil {
		return 0
	}
	return n
}

// FormatDocumentNumber builds `<PREFIX><YYMM><NNNNNN>`.
func FormatDocumentNumber(prefix string, date time.Time, suffix int) string {
	return fmt.Sprintf("%s%s%0*d", prefix, periodKey(date), numberSuffixWidth, suffix)
}

// documentPrefix resolves the prefix for a kind, redis first, then the
// overrides table, then the built-in default.
func documentPrefix(tx *gorm.DB, kind DocumentKind) (string, error) {
	prefixes := make(map[string]string)
	const redisKey = "docPrefixMap"
	exists, err := config.GetRedisObject(redisKey, &prefixes)
	if err != nil {
		return "", err
	}
	if !exists {
		var rows []*DocumentPrefix
		if err := tx.Model(&DocumentPrefix{}).Find(&rows).Error; err != nil {
			return "", err
		}
		for _, row := range rows {
			prefixes[row.Kind] = row.Prefix
		}
		if err := config.SetRedisObject(redisKey, &prefixes, 0); err != nil {
			return "", err
		}
	}

	if p, ok := prefixes[string(kind)]; ok && p != "" {
		return p, nil
	}
	return documentSpecs[kind].DefaultPrefix, nil
}

// NumberIssuer hands out sequential document numbers. It keeps an
// in-memory cache of suffixes and counters it has already allocated, so a
// bulk batch issuing many numbers inside one open transaction never
// re-reads rows it has not committed yet.
//
// Next must be called inside the same transaction that inserts the
// document: the read-then-increment is not atomic by itself, and two
// racing issuers are only kept apart by the serializable scheduler
// aborting one of the transactions.
type NumberIssuer struct {
	lastSuffix map[string]int
	lastSeqNo  map[DocumentKind]int64
}

func NewNumberIssuer() *NumberIssuer {
	return &NumberIssuer{
		lastSuffix: make(map[string]int),
		lastSeqNo:  make(map[DocumentKind]int64),
	}
}

func (n *NumberIssuer) Next(tx *gorm.DB, kind DocumentKind, date time.Time) (string, int64, error) {
	spec, ok := documentSpecs[kind]
	if !ok {
		return "", 0, fmt.Errorf("unknown document kind %q", kind)
	}

	prefix, err := documentPrefix(tx, kind)
	if err != nil {
		return "", 0, err
	}

	period := periodKey(date)
	cacheKey := string(kind) + ":" + period

	suffix, cached := n.lastSuffix[cacheKey]
	if !cached {
		// most recent record of the same period, by counter, wins
		periodStart, periodEnd := periodBounds(date)
		var lastNumbers []string
		if err := tx.Table(spec.Table).
			Where(spec.DateColumn+" >= ? AND "+spec.DateColumn+" < ?", periodStart, periodEnd).
			Order("sequence_no DESC").
			Limit(1).
			Pluck(spec.NumberColumn, &lastNumbers).Error; err != nil {
			return "", 0, err
		}
		if len(lastNumbers) > 0 {
			suffix = parseNumberSuffix(lastNumbers[0])
		}
	}
	suffix++
	n.lastSuffix[cacheKey] = suffix

	seqNo, cached := n.lastSeqNo[kind]
	if !cached {
		var maxSeq *int64
		if err := tx.Table(spec.Table).Select("max(sequence_no)").Scan(&maxSeq).Error; err != nil {
			return "", 0, err
		}
		if maxSeq != nil {
			seqNo = *maxSeq
		}
	}
	seqNo++
	n.lastSeqNo[kind] = seqNo

	return FormatDocumentNumber(prefix, date, suffix), seqNo, nil
}
