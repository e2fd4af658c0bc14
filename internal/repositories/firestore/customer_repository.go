package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/tophelanke/api/internal/domain"
	pfirestore "github.com/tophelanke/api/internal/platform/firestore"
)

const customersCollection = "customers"

// CustomerRepository stores guest buyers. Multiple customers may share an
// e-mail, so FindByEmailKey returns every match and the service deduplicates
// by phone or address.
type CustomerRepository struct {
	provider  *pfirestore.Provider
	customers *pfirestore.BaseRepository[customerDocument]
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	customers := pfirestore.NewBaseRepository[customerDocument](provider, customersCollection, nil, nil)
	return &CustomerRepository{provider: provider, customers: customers}, nil
}

func (r *CustomerRepository) Insert(ctx context.Context, customer domain.Customer) error {
	if r == nil || r.customers == nil {
		return errors.New("customer repository not initialised")
	}
	if strings.TrimSpace(customer.ID) == "" {
		return errors.New("customer insert: id is required")
	}
	ref, err := r.customers.DocumentRef(ctx, customer.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newCustomerDocument(customer)); err != nil {
		return pfirestore.WrapError("customers.insert", err)
	}
	return nil
}

func (r *CustomerRepository) Update(ctx context.Context, customer domain.Customer) error {
	if r == nil || r.customers == nil {
		return errors.New("customer repository not initialised")
	}
	if strings.TrimSpace(customer.ID) == "" {
		return errors.New("customer update: id is required")
	}
	if _, err := r.customers.Set(ctx, customer.ID, newCustomerDocument(customer)); err != nil {
		return pfirestore.WrapError("customers.update", err)
	}
	return nil
}

func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	if r == nil || r.customers == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Customer{}, errors.New("customer find: id is required")
	}
	doc, err := r.customers.Get(ctx, customerID)
	if err != nil {
		return domain.Customer{}, pfirestore.WrapError("customers.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByEmailKey returns every customer whose stored e-mail ciphertext
// matches. An empty slice means no match; that is not an error.
func (r *CustomerRepository) FindByEmailKey(ctx context.Context, emailKey string) ([]domain.Customer, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("customer repository not initialised")
	}
	emailKey = strings.TrimSpace(emailKey)
	if emailKey == "" {
		return nil, errors.New("customer find: email key is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("customers.findByEmail", err)
	}
	iter := client.Collection(customersCollection).Where("contact.email", "==", emailKey).Documents(ctx)
	defer iter.Stop()

	var customers []domain.Customer
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("customers.findByEmail", err)
		}
		var doc customerDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode customer %s: %w", snap.Ref.ID, err)
		}
		customers = append(customers, doc.toDomain(snap.Ref.ID))
	}
	return customers, nil
}

func (r *CustomerRepository) AppendOrder(ctx context.Context, customerID string, orderID string, now time.Time) error {
	if r == nil || r.customers == nil {
		return errors.New("customer repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	orderID = strings.TrimSpace(orderID)
	if customerID == "" || orderID == "" {
		return errors.New("customer order link: customer id and order id are required")
	}
	ref, err := r.customers.DocumentRef(ctx, customerID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "orderIds", Value: firestore.ArrayUnion(orderID)},
		{Path: "updatedAt", Value: now.UTC()},
	})
	if err != nil {
		return pfirestore.WrapError("customers.appendOrder", err)
	}
	return nil
}

// Helper structures ---------------------------------------------------------

type customerDocument struct {
	Contact   contactDocument `firestore:"contact"`
	OrderIDs  []string        `firestore:"orderIds"`
	CreatedAt time.Time       `firestore:"createdAt"`
	UpdatedAt time.Time       `firestore:"updatedAt"`
}

func newCustomerDocument(customer domain.Customer) customerDocument {
	orderIDs := append([]string(nil), customer.OrderIDs...)
	if orderIDs == nil {
		orderIDs = []string{}
	}
	return customerDocument{
		Contact:   newContactDocument(customer.Contact),
		OrderIDs:  orderIDs,
		CreatedAt: customer.CreatedAt.UTC(),
		UpdatedAt: customer.UpdatedAt.UTC(),
	}
}

func (d customerDocument) toDomain(id string) domain.Customer {
	return domain.Customer{
		ID:        id,
		Contact:   d.Contact.toDomain(),
		OrderIDs:  append([]string(nil), d.OrderIDs...),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
