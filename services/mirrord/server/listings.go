package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"agrichain/native/marketplace"
	"agrichain/services/mirrord/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type listingJSON struct {
	ID           uint64     `json:"id"`
	Farmer       string     `json:"farmer"`
	Name         string     `json:"name"`
	Quantity     uint64     `json:"quantity"`
	PricePerUnit string     `json:"pricePerUnit"`
	TotalPrice   string     `json:"totalPrice"`
	IsSold       bool       `json:"isSold"`
	Buyer        *string    `json:"buyer"`
	ListedAt     time.Time  `json:"listedAt"`
	SoldAt       *time.Time `json:"soldAt"`
	SyncedAt     time.Time  `json:"syncedAt"`
}

type listingPage struct {
	Listings []listingJSON `json:"listings"`
	Total    int64         `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}

func toJSON(l *storage.Listing) listingJSON {
	return listingJSON{
		ID:           l.ID,
		Farmer:       l.Farmer,
		Name:         l.Name,
		Quantity:     l.Quantity,
		PricePerUnit: decimal(l.PricePerUnit),
		TotalPrice:   decimal(l.TotalPrice),
		IsSold:       l.IsSold,
		Buyer:        l.Buyer,
		ListedAt:     l.ListedAt.UTC(),
		SoldAt:       l.SoldAt,
		SyncedAt:     l.SyncedAt.UTC(),
	}
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// ListListings serves GET /listings with optional farmer, buyer and
// availability filters.
func (s *Server) ListListings(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writePage(w, r, filter)
}

// ListAvailable serves GET /listings/available.
func (s *Server) ListAvailable(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	filter.Availability = storage.AvailabilityAvailable
	s.writePage(w, r, filter)
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, filter storage.Filter) {
	listings, err := s.cfg.Mirror.Query(r.Context(), filter)
	if err != nil {
		s.internalError(w, "query mirror", err)
		return
	}
	total, err := s.cfg.Mirror.Count(r.Context(), filter)
	if err != nil {
		s.internalError(w, "count mirror", err)
		return
	}
	page := listingPage{
		Listings: make([]listingJSON, 0, len(listings)),
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}
	for _, l := range listings {
		page.Listings = append(page.Listings, toJSON(l))
	}
	writeJSON(w, http.StatusOK, page)
}

// GetListing serves GET /listings/{id} from the mirror.
func (s *Server) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	listing, err := s.cfg.Mirror.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "listing not found"})
			return
		}
		s.internalError(w, "get listing", err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(listing))
}

// CreateListing forwards a new listing to the ledger.
func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Quantity     uint64 `json:"quantity"`
		PricePerUnit string `json:"pricePerUnit"`
		Farmer       string `json:"farmer"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	price, err := parseAmount(req.PricePerUnit)
	if err != nil {
		s.writeLedgerError(w, "create", &marketplace.ValidationError{Field: "pricePerUnit", Reason: err.Error()})
		return
	}
	farmer, err := marketplace.ParseAddress(req.Farmer)
	if err != nil {
		s.writeLedgerError(w, "create", &marketplace.ValidationError{Field: "farmer", Reason: err.Error()})
		return
	}
	id, err := s.cfg.Ledger.SubmitListing(r.Context(), req.Name, req.Quantity, price, farmer)
	if err != nil {
		s.writeLedgerError(w, "create", err)
		return
	}
	s.cfg.Sync.Trigger()
	s.logger.Info("listing submitted",
		slog.Uint64("id", id),
		slog.String("farmer", marketplace.CanonicalAddress(farmer)))
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

// PurchaseListing forwards a purchase to the ledger. The buyer must have a
// signer registered with the ledger client.
func (s *Server) PurchaseListing(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		Buyer   string `json:"buyer"`
		Payment string `json:"payment"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	buyer, err := marketplace.ParseAddress(req.Buyer)
	if err != nil {
		s.writeLedgerError(w, "purchase", &marketplace.ValidationError{Field: "buyer", Reason: err.Error()})
		return
	}
	payment, err := parseAmount(req.Payment)
	if err != nil {
		s.writeLedgerError(w, "purchase", &marketplace.ValidationError{Field: "payment", Reason: err.Error()})
		return
	}
	receipt, err := s.cfg.Ledger.SubmitPurchase(r.Context(), id, buyer, payment)
	if err != nil {
		s.writeLedgerError(w, "purchase", err)
		return
	}
	s.cfg.Sync.Trigger()
	s.logger.Info("purchase submitted",
		slog.Uint64("id", receipt.ID),
		slog.String("buyer", marketplace.CanonicalAddress(receipt.Buyer)))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         receipt.ID,
		"buyer":      marketplace.CanonicalAddress(receipt.Buyer),
		"totalPrice": decimal(receipt.TotalPrice),
		"soldAt":     time.Unix(receipt.SoldAt, 0).UTC(),
	})
}

func parseFilter(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	filter := storage.Filter{Limit: defaultPageSize}
	if raw := strings.TrimSpace(q.Get("farmer")); raw != "" {
		farmer, err := marketplace.NormalizeAddress(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid farmer: %w", err)
		}
		filter.Farmer = farmer
	}
	if raw := strings.TrimSpace(q.Get("buyer")); raw != "" {
		buyer, err := marketplace.NormalizeAddress(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid buyer: %w", err)
		}
		filter.Buyer = buyer
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("available"))) {
	case "":
	case "true", "1":
		filter.Availability = storage.AvailabilityAvailable
	case "false", "0":
		filter.Availability = storage.AvailabilitySold
	default:
		return filter, errors.New("available must be true or false")
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("listing id must be a positive integer")
	}
	return id, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", trimmed)
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
