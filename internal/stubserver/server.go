// Package stubserver is an in-memory rendition of the validation backend,
// used by the command line harness and integration-style tests.
package stubserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"purchasekit/internal/types"
)

// Server serves the four user endpoints over an in-memory state. A receipt
// token is bound to the first user that posts it; later posts by other users
// yield transactions owned by the original user.
type Server struct {
	apiKey  string
	catalog []*types.Product

	mu sync.Mutex
	// users maps userId to owned entitlements
	users map[string][]*types.ActiveProduct
	tags  map[string]map[string]string
	// tokenOwner maps receipt token to the claiming userId
	tokenOwner map[string]string
	tokenTx    map[string]*types.Transaction
	// verdicts overrides the receipt status per token
	verdicts map[string]string
	pricing  map[string][]types.PricingEntry
}

// New creates a stub backend selling the given catalog. apiKey may be empty
// to disable auth checking.
func New(apiKey string, catalog []*types.Product) *Server {
	return &Server{
		apiKey:     apiKey,
		catalog:    catalog,
		users:      map[string][]*types.ActiveProduct{},
		tags:       map[string]map[string]string{},
		tokenOwner: map[string]string{},
		tokenTx:    map[string]*types.Transaction{},
		verdicts:   map[string]string{},
		pricing:    map[string][]types.PricingEntry{},
	}
}

// SetVerdict forces the receipt status returned for a token. Without an
// override every known-sku receipt validates as success.
func (s *Server) SetVerdict(token, status string) {
	s.mu.Lock()
	s.verdicts[token] = status
	s.mu.Unlock()
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)
	r.HandleFunc("/app/{appId}/user/{userId}", s.getUser).Methods(http.MethodGet)
	r.HandleFunc("/app/{appId}/user/{userId}", s.postUser).Methods(http.MethodPost)
	r.HandleFunc("/app/{appId}/user/{userId}/receipt", s.postReceipt).Methods(http.MethodPost)
	r.HandleFunc("/app/{appId}/user/{userId}/pricing", s.postPricing).Methods(http.MethodPost)
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.apiKey {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	s.mu.Lock()
	active := append([]*types.ActiveProduct{}, s.users[userID]...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"productsForSale": s.catalog,
		"activeProducts":  active,
		"events":          []interface{}{},
	})
}

func (s *Server) postUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var body struct {
		Tags map[string]string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	s.mu.Lock()
	if s.tags[userID] == nil {
		s.tags[userID] = map[string]string{}
	}
	for k, v := range body.Tags {
		if v == "" {
			delete(s.tags[userID], k)
			continue
		}
		s.tags[userID][k] = v
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) postReceipt(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var body struct {
		Token string `json:"token"`
		SKU   string `json:"sku"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.verdicts[body.Token]; ok && status != "success" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
		return
	}

	product := s.findProduct(body.SKU)
	if product == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "invalid"})
		return
	}

	// A token validates once; replays return the original transaction with
	// its original owner.
	if owner, claimed := s.tokenOwner[body.Token]; claimed {
		tx := s.tokenTx[body.Token]
		resp := map[string]interface{}{"status": "success"}
		if owner == userID {
			resp["newTransactions"] = []*types.Transaction{tx}
		} else {
			resp["oldTransactions"] = []*types.Transaction{tx}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	tx := s.grantLocked(userID, product)
	s.tokenOwner[body.Token] = userID
	s.tokenTx[body.Token] = tx
	glog.V(1).Infof("validated token for user %s sku %s", userID, body.SKU)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"newTransactions": []*types.Transaction{tx},
	})
}

func (s *Server) postPricing(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var body struct {
		Products []types.PricingEntry `json:"products"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	s.mu.Lock()
	s.pricing[userID] = body.Products
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) findProduct(sku string) *types.Product {
	for _, p := range s.catalog {
		if p.SKU == sku {
			return p
		}
	}
	return nil
}

func (s *Server) grantLocked(userID string, product *types.Product) *types.Transaction {
	now := time.Now().UTC()
	ap := &types.ActiveProduct{
		Product:      *product,
		PurchaseDate: now,
		PurchaseID:   uuid.NewString(),
	}
	if product.Type == types.ProductTypeSubscription {
		exp := now.Add(30 * 24 * time.Hour)
		ap.ExpirationDate = &exp
		ap.SubscriptionState = types.SubscriptionActive
	}
	s.users[userID] = append(s.users[userID], ap)
	return &types.Transaction{ActiveProduct: *ap, UserID: userID}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.Warningf("failed to write response: %v", err)
	}
}
