package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/tophelanke/api/internal/domain"
	pfirestore "github.com/tophelanke/api/internal/platform/firestore"
)

const usersCollection = "users"

// UserRepository stores registered storefront accounts. The e-mail column
// holds the deterministic ciphertext produced by the service layer, which is
// what makes lookups by e-mail possible without decrypting the collection.
type UserRepository struct {
	provider *pfirestore.Provider
	users    *pfirestore.BaseRepository[userDocument]
}

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	users := pfirestore.NewBaseRepository[userDocument](provider, usersCollection, nil, nil)
	return &UserRepository{provider: provider, users: users}, nil
}

func (r *UserRepository) Insert(ctx context.Context, user domain.User) error {
	if r == nil || r.users == nil {
		return errors.New("user repository not initialised")
	}
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("user insert: id is required")
	}
	ref, err := r.users.DocumentRef(ctx, user.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newUserDocument(user)); err != nil {
		return pfirestore.WrapError("users.insert", err)
	}
	return nil
}

func (r *UserRepository) Update(ctx context.Context, user domain.User) error {
	if r == nil || r.users == nil {
		return errors.New("user repository not initialised")
	}
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("user update: id is required")
	}
	if _, err := r.users.Set(ctx, user.ID, newUserDocument(user)); err != nil {
		return pfirestore.WrapError("users.update", err)
	}
	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	if r == nil || r.users == nil {
		return domain.User{}, errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.User{}, errors.New("user find: id is required")
	}
	doc, err := r.users.Get(ctx, userID)
	if err != nil {
		return domain.User{}, pfirestore.WrapError("users.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByEmailKey locates the account whose stored e-mail ciphertext matches.
func (r *UserRepository) FindByEmailKey(ctx context.Context, emailKey string) (domain.User, error) {
	if r == nil || r.provider == nil {
		return domain.User{}, errors.New("user repository not initialised")
	}
	emailKey = strings.TrimSpace(emailKey)
	if emailKey == "" {
		return domain.User{}, errors.New("user find: email key is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.User{}, pfirestore.WrapError("users.findByEmail", err)
	}
	iter := client.Collection(usersCollection).Where("email", "==", emailKey).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.User{}, pfirestore.WrapError("users.findByEmail", status.Error(codes.NotFound, "user not found"))
	}
	if err != nil {
		return domain.User{}, pfirestore.WrapError("users.findByEmail", err)
	}
	var doc userDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.User{}, fmt.Errorf("decode user %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (r *UserRepository) ReplaceCart(ctx context.Context, userID string, lines []domain.CartLine, now time.Time) error {
	if r == nil || r.users == nil {
		return errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user cart: id is required")
	}
	ref, err := r.users.DocumentRef(ctx, userID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "cart", Value: newCartLineDocuments(lines)},
		{Path: "updatedAt", Value: now.UTC()},
	})
	if err != nil {
		return pfirestore.WrapError("users.cart", err)
	}
	return nil
}

func (r *UserRepository) AppendOrder(ctx context.Context, userID string, orderID string, now time.Time) error {
	if r == nil || r.users == nil {
		return errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	orderID = strings.TrimSpace(orderID)
	if userID == "" || orderID == "" {
		return errors.New("user order link: user id and order id are required")
	}
	ref, err := r.users.DocumentRef(ctx, userID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "orderIds", Value: firestore.ArrayUnion(orderID)},
		{Path: "updatedAt", Value: now.UTC()},
	})
	if err != nil {
		return pfirestore.WrapError("users.appendOrder", err)
	}
	return nil
}

// Helper structures ---------------------------------------------------------

type userDocument struct {
	Email             string             `firestore:"email"`
	PasswordHash      string             `firestore:"passwordHash"`
	PendingActivation bool               `firestore:"pendingActivation"`
	Contact           contactDocument    `firestore:"contact"`
	Cart              []cartLineDocument `firestore:"cart"`
	OrderIDs          []string           `firestore:"orderIds"`
	CreatedAt         time.Time          `firestore:"createdAt"`
	UpdatedAt         time.Time          `firestore:"updatedAt"`
}

type cartLineDocument struct {
	ItemID      string    `firestore:"itemId"`
	VariationID string    `firestore:"variationId"`
	Quantity    int       `firestore:"qty"`
	AddedAt     time.Time `firestore:"addedAt"`
}

func newUserDocument(user domain.User) userDocument {
	orderIDs := append([]string(nil), user.OrderIDs...)
	if orderIDs == nil {
		orderIDs = []string{}
	}
	return userDocument{
		Email:             strings.TrimSpace(user.Email),
		PasswordHash:      user.PasswordHash,
		PendingActivation: user.PendingActivation,
		Contact:           newContactDocument(user.Contact),
		Cart:              newCartLineDocuments(user.Cart),
		OrderIDs:          orderIDs,
		CreatedAt:         user.CreatedAt.UTC(),
		UpdatedAt:         user.UpdatedAt.UTC(),
	}
}

func (d userDocument) toDomain(id string) domain.User {
	return domain.User{
		ID:                id,
		Email:             d.Email,
		PasswordHash:      d.PasswordHash,
		PendingActivation: d.PendingActivation,
		Contact:           d.Contact.toDomain(),
		Cart:              cartLinesToDomain(d.Cart),
		OrderIDs:          append([]string(nil), d.OrderIDs...),
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func newCartLineDocuments(lines []domain.CartLine) []cartLineDocument {
	out := make([]cartLineDocument, len(lines))
	for i, line := range lines {
		out[i] = cartLineDocument{
			ItemID:      strings.TrimSpace(line.ItemID),
			VariationID: strings.TrimSpace(line.VariationID),
			Quantity:    line.Quantity,
			AddedAt:     line.AddedAt.UTC(),
		}
	}
	return out
}

func cartLinesToDomain(lines []cartLineDocument) []domain.CartLine {
	out := make([]domain.CartLine, len(lines))
	for i, line := range lines {
		out[i] = domain.CartLine{
			ItemID:      line.ItemID,
			VariationID: line.VariationID,
			Quantity:    line.Quantity,
			AddedAt:     line.AddedAt,
		}
	}
	return out
}
