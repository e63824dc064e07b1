// Package model defines the data models for the digital-goods market core.
package model

import "time"

// ProductType distinguishes the two product families a category can store.
type ProductType string

const (
	ProductAccountType   ProductType = "account"
	ProductUniversalType ProductType = "universal"
)

// AccountServiceType names the third-party service an account belongs to.
type AccountServiceType string

const (
	ServiceTelegram AccountServiceType = "telegram"
	ServiceOther    AccountServiceType = "other"
)

// StorageStatus is the lifecycle of a storage row. The on-disk directory
// segment always mirrors it.
type StorageStatus string

const (
	StatusForSale  StorageStatus = "for_sale"
	StatusReserved StorageStatus = "reserved"
	StatusBought   StorageStatus = "bought"
	StatusDeleted  StorageStatus = "deleted"
)

// MediaType classifies the payload of a universal storage row.
type MediaType string

const (
	MediaImage       MediaType = "image"
	MediaVideo       MediaType = "video"
	MediaDocument    MediaType = "document"
	MediaDescription MediaType = "description"
	MediaMixed       MediaType = "mixed"
)

// RequestStatus is the terminal-state machine of a purchase request.
type RequestStatus string

const (
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// HolderStatus is the lifecycle of a balance hold.
type HolderStatus string

const (
	HolderHeld     HolderStatus = "held"
	HolderUsed     HolderStatus = "used"
	HolderReleased HolderStatus = "released"
)

// User represents a buyer account.
type User struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"`
	Balance   int64     `db:"balance"`
	Language  string    `db:"language"`
	IsBanned  bool      `db:"is_banned"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Category is a node of the catalog tree. A category either stores products
// (IsProductStorage) or contains subcategories, never both.
type Category struct {
	ID                    int64               `db:"id"`
	ParentID              *int64              `db:"parent_id"`
	Position              int                 `db:"position"`
	IsVisible             bool                `db:"is_visible"`
	IsProductStorage      bool                `db:"is_product_storage"`
	ProductType           ProductType         `db:"product_type"`
	AccountServiceType    *AccountServiceType `db:"account_service_type"`
	AllowMultiplePurchase bool                `db:"allow_multiple_purchase"`
	Price                 int64               `db:"price"`
	CostPrice             int64               `db:"cost_price"`
	CreatedAt             time.Time           `db:"created_at"`
	UpdatedAt             time.Time           `db:"updated_at"`
}

// CategoryTranslation is the per-language display text of a category.
// At least one translation exists for every category.
type CategoryTranslation struct {
	CategoryID  int64  `db:"category_id"`
	Lang        string `db:"lang"`
	Name        string `db:"name"`
	Description string `db:"description"`
}

// AccountStorage is the canonical record for one account instance. It owns
// the on-disk directory named by StorageUUID; FilePath is relative to the
// content-store root and may be nil for credential-only products.
type AccountStorage struct {
	ID                int64              `db:"id"`
	StorageUUID       string             `db:"storage_uuid"`
	FilePath          *string            `db:"file_path"`
	ChecksumSHA256    string             `db:"checksum_sha256"`
	Status            StorageStatus      `db:"status"`
	WrappedKey        string             `db:"wrapped_key"`
	KeyNonce          string             `db:"key_nonce"`
	EncryptionAlgo    string             `db:"encryption_algo"`
	KeyVersion        int                `db:"key_version"`
	ServiceType       AccountServiceType `db:"service_type"`
	Phone             string             `db:"phone"`
	EncryptedLogin    *string            `db:"encrypted_login"`
	LoginNonce        *string            `db:"login_nonce"`
	EncryptedPassword *string            `db:"encrypted_password"`
	PasswordNonce     *string            `db:"password_nonce"`
	IsActive          bool               `db:"is_active"`
	IsValid           bool               `db:"is_valid"`
	CreatedAt         time.Time          `db:"created_at"`
	UpdatedAt         time.Time          `db:"updated_at"`
}

// ProductAccount marks an account storage as on sale in a category.
// The row is deleted the moment a sale is finalized and reinserted on cancel.
type ProductAccount struct {
	ID               int64     `db:"id"`
	CategoryID       int64     `db:"category_id"`
	AccountStorageID int64     `db:"account_storage_id"`
	CreatedAt        time.Time `db:"created_at"`
}

// SoldAccount marks an account storage as owned by a user.
type SoldAccount struct {
	ID               int64              `db:"id"`
	OwnerID          int64              `db:"owner_id"`
	AccountStorageID int64              `db:"account_storage_id"`
	ServiceType      AccountServiceType `db:"service_type"`
	CreatedAt        time.Time          `db:"created_at"`
}

// SoldAccountTranslation snapshots the category translation at sale time so
// later category edits never rewrite history.
type SoldAccountTranslation struct {
	SoldAccountID int64  `db:"sold_account_id"`
	Lang          string `db:"lang"`
	Name          string `db:"name"`
	Description   string `db:"description"`
}

// UniversalStorage parallels AccountStorage for arbitrary files and
// descriptions.
type UniversalStorage struct {
	ID                int64         `db:"id"`
	StorageUUID       string        `db:"storage_uuid"`
	FilePath          *string       `db:"file_path"`
	ChecksumSHA256    string        `db:"checksum_sha256"`
	Status            StorageStatus `db:"status"`
	WrappedKey        string        `db:"wrapped_key"`
	KeyNonce          string        `db:"key_nonce"`
	EncryptionAlgo    string        `db:"encryption_algo"`
	KeyVersion        int           `db:"key_version"`
	MediaType         MediaType     `db:"media_type"`
	EncryptedTgFileID *string       `db:"encrypted_tg_file_id"`
	IsActive          bool          `db:"is_active"`
	IsValid           bool          `db:"is_valid"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

// UniversalStorageTranslation carries the per-language encrypted description
// of a universal storage row.
type UniversalStorageTranslation struct {
	UniversalStorageID   int64   `db:"universal_storage_id"`
	Lang                 string  `db:"lang"`
	EncryptedDescription *string `db:"encrypted_description"`
}

// ProductUniversal marks a universal storage as on sale in a category.
type ProductUniversal struct {
	ID                 int64     `db:"id"`
	CategoryID         int64     `db:"category_id"`
	UniversalStorageID int64     `db:"universal_storage_id"`
	CreatedAt          time.Time `db:"created_at"`
}

// SoldUniversal marks a universal storage as owned by a user.
type SoldUniversal struct {
	ID                 int64     `db:"id"`
	OwnerID            int64     `db:"owner_id"`
	UniversalStorageID int64     `db:"universal_storage_id"`
	CreatedAt          time.Time `db:"created_at"`
}

// PurchaseRequest is the aggregate record of one end-to-end purchase attempt.
// Exactly one is created at the start of a purchase; its id is never reused.
type PurchaseRequest struct {
	ID          int64         `db:"id"`
	UserID      int64         `db:"user_id"`
	PromoCodeID *int64        `db:"promo_code_id"`
	Quantity    int           `db:"quantity"`
	TotalAmount int64         `db:"total_amount"`
	Status      RequestStatus `db:"status"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

// BalanceHolder is a logical lock over a portion of user balance, scoped to
// exactly one purchase request.
type BalanceHolder struct {
	ID                int64        `db:"id"`
	PurchaseRequestID int64        `db:"purchase_request_id"`
	UserID            int64        `db:"user_id"`
	Amount            int64        `db:"amount"`
	Status            HolderStatus `db:"status"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

// Purchase is one committed line item of a completed request.
type Purchase struct {
	ID                 int64       `db:"id"`
	PurchaseRequestID  int64       `db:"purchase_request_id"`
	UserID             int64       `db:"user_id"`
	ProductType        ProductType `db:"product_type"`
	AccountStorageID   *int64      `db:"account_storage_id"`
	UniversalStorageID *int64      `db:"universal_storage_id"`
	OriginalPrice      int64       `db:"original_price"`
	PurchasePrice      int64       `db:"purchase_price"`
	CostPrice          int64       `db:"cost_price"`
	NetProfit          int64       `db:"net_profit"`
	CreatedAt          time.Time   `db:"created_at"`
}

// DeletedAccount is the audit record written when validation kills an
// account storage row. Name/description are the category snapshot at the
// moment of deletion.
type DeletedAccount struct {
	ID               int64     `db:"id"`
	AccountStorageID int64     `db:"account_storage_id"`
	CategoryName     string    `db:"category_name"`
	CategoryDesc     string    `db:"category_description"`
	Reason           string    `db:"reason"`
	CreatedAt        time.Time `db:"created_at"`
}

// DeletedUniversal is the audit record for a killed universal storage row.
type DeletedUniversal struct {
	ID                 int64     `db:"id"`
	UniversalStorageID int64     `db:"universal_storage_id"`
	CategoryName       string    `db:"category_name"`
	CategoryDesc       string    `db:"category_description"`
	Reason             string    `db:"reason"`
	CreatedAt          time.Time `db:"created_at"`
}

// PromoCode is the discount hook the purchase core consumes.
type PromoCode struct {
	ID              int64      `db:"id"`
	Code            string     `db:"code"`
	DiscountPercent int        `db:"discount_percent"`
	DiscountAmount  int64      `db:"discount_amount"`
	MaxActivations  int        `db:"max_activations"`
	Activations     int        `db:"activations"`
	IsActive        bool       `db:"is_active"`
	ExpiresAt       *time.Time `db:"expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

// CategoryFull is the cache projection of a category for one language:
// the row, its translation and the live inventory count.
type CategoryFull struct {
	Category
	Name            string `json:"name"`
	Description     string `json:"description"`
	Lang            string `json:"lang"`
	QuantityProduct int    `json:"quantity_product"`
}

// SoldAccountFull is the cache projection of a sold account for one language.
type SoldAccountFull struct {
	SoldAccount
	Name        string `json:"name"`
	Description string `json:"description"`
	Lang        string `json:"lang"`
	StorageUUID string `json:"storage_uuid"`
}
