package auction

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const defaultGormOpTimeout = 5 * time.Second

// auctionRow is the internal model of an auction. Prices are stored as
// decimal strings so no precision is lost in any SQL dialect.
type auctionRow struct {
	ID            string    `gorm:"primaryKey;column:id"`
	SellerID      string    `gorm:"column:seller_id;index"`
	Title         string    `gorm:"column:title"`
	Description   string    `gorm:"column:description"`
	StartingPrice string    `gorm:"column:starting_price"`
	CurrentPrice  string    `gorm:"column:current_price"`
	StartTime     time.Time `gorm:"column:start_time"`
	EndTime       time.Time `gorm:"column:end_time"`
	Status        string    `gorm:"column:status;index"`
	Version       uint64    `gorm:"column:version"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (auctionRow) TableName() string { return "hammer_auctions" }

// bidRow is the internal model of a bid. Seq is the auction version the bid
// produced, which orders bids by commit.
type bidRow struct {
	ID        string    `gorm:"primaryKey;column:id"`
	AuctionID string    `gorm:"column:auction_id;index"`
	UserID    string    `gorm:"column:user_id"`
	Amount    string    `gorm:"column:amount"`
	PlacedAt  time.Time `gorm:"column:placed_at"`
	Seq       uint64    `gorm:"column:seq"`
}

func (bidRow) TableName() string { return "hammer_bids" }

func toAuctionRow(a Auction) auctionRow {
	return auctionRow{
		ID:            a.ID,
		SellerID:      a.SellerID,
		Title:         a.Title,
		Description:   a.Description,
		StartingPrice: a.StartingPrice.String(),
		CurrentPrice:  a.CurrentPrice.String(),
		StartTime:     a.StartTime.UTC(),
		EndTime:       a.EndTime.UTC(),
		Status:        string(a.Status),
		Version:       a.Version,
		CreatedAt:     a.CreatedAt.UTC(),
		UpdatedAt:     a.UpdatedAt.UTC(),
	}
}

func (r auctionRow) toAuction() (Auction, error) {
	start, err := decimal.NewFromString(r.StartingPrice)
	if err != nil {
		return Auction{}, err
	}
	cur, err := decimal.NewFromString(r.CurrentPrice)
	if err != nil {
		return Auction{}, err
	}
	return Auction{
		ID:            r.ID,
		SellerID:      r.SellerID,
		Title:         r.Title,
		Description:   r.Description,
		StartingPrice: start,
		CurrentPrice:  cur,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		Status:        Status(r.Status),
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func (r bidRow) toBid() (Bid, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return Bid{}, err
	}
	return Bid{ID: r.ID, AuctionID: r.AuctionID, UserID: r.UserID, Amount: amount, PlacedAt: r.PlacedAt}, nil
}

// GormStore implements Store on a relational database through GORM. Writes
// use UPDATE ... WHERE id = ? AND version = ?; zero affected rows is a
// conflict.
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	timeout time.Duration
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a new GormStore and migrates its tables.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if err := db.AutoMigrate(&auctionRow{}, &bidRow{}); err != nil {
		return nil, unavailable(err, isSQLClosed)
	}
	return &GormStore{db: db, timeout: o.timeout}, nil
}

func isSQLClosed(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}

func (s *GormStore) mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return hammererrors.ErrNotFound
	}
	return unavailable(err, isSQLClosed)
}

func (s *GormStore) find(tx *gorm.DB, id string) (Auction, error) {
	var row auctionRow
	if err := tx.First(&row, "id = ?", id).Error; err != nil {
		return Auction{}, err
	}
	return row.toAuction()
}

// swap writes next if the row still has cur's version.
func (s *GormStore) swap(tx *gorm.DB, cur, next Auction) error {
	row := toAuctionRow(next)
	res := tx.Model(&auctionRow{}).
		Where("id = ? AND version = ?", cur.ID, cur.Version).
		Updates(map[string]any{
			"title":         row.Title,
			"description":   row.Description,
			"current_price": row.CurrentPrice,
			"start_time":    row.StartTime,
			"end_time":      row.EndTime,
			"status":        row.Status,
			"version":       row.Version,
			"updated_at":    row.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return hammererrors.ErrConflict
	}
	return nil
}

// Create implements Store.Create.
func (s *GormStore) Create(ctx context.Context, a Auction) error {
	a, err := prepareCreate(a)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&auctionRow{}).Where("id = ?", a.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return hammererrors.Wrapf(hammererrors.ErrConflict, "auction %s already exists", a.ID)
		}
		row := toAuctionRow(a)
		return tx.Create(&row).Error
	})
	return s.mapErr(err)
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context, id string) (Auction, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	a, err := s.find(s.db.WithContext(cctx), id)
	if err != nil {
		return Auction{}, s.mapErr(err)
	}
	return a, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *GormStore) CompareAndSwap(ctx context.Context, id string, expected uint64, mutate Mutation) (Auction, error) {
	ctx, span := tracer.Start(ctx, "GormStore.CompareAndSwap", trace.WithAttributes(attribute.String("hammer.auction.id", id)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out Auction
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.find(tx, id)
		if err != nil {
			return err
		}
		next, err := applyMutation(cur, expected, mutate)
		if err != nil {
			return err
		}
		if err := s.swap(tx, cur, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Auction{}, s.mapErr(err)
	}
	return out, nil
}

// CommitBid implements Store.CommitBid.
func (s *GormStore) CommitBid(ctx context.Context, expected uint64, bid Bid) (Auction, error) {
	ctx, span := tracer.Start(ctx, "GormStore.CommitBid", trace.WithAttributes(attribute.String("hammer.auction.id", bid.AuctionID)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out Auction
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.find(tx, bid.AuctionID)
		if err != nil {
			return err
		}
		next, err := applyBid(cur, expected, bid)
		if err != nil {
			return err
		}
		if err := s.swap(tx, cur, next); err != nil {
			return err
		}
		row := bidRow{
			ID:        bid.ID,
			AuctionID: bid.AuctionID,
			UserID:    bid.UserID,
			Amount:    bid.Amount.String(),
			PlacedAt:  bid.PlacedAt.UTC(),
			Seq:       next.Version,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Auction{}, s.mapErr(err)
	}
	return out, nil
}

// Bids implements Store.Bids.
func (s *GormStore) Bids(ctx context.Context, id string) ([]Bid, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	db := s.db.WithContext(cctx)
	if _, err := s.find(db, id); err != nil {
		return nil, s.mapErr(err)
	}
	var rows []bidRow
	if err := db.Where("auction_id = ?", id).Order("seq").Find(&rows).Error; err != nil {
		return nil, s.mapErr(err)
	}
	bids := make([]Bid, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBid()
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, nil
}

// Delete implements Store.Delete.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.find(tx, id); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&bidRow{}).Where("auction_id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return hammererrors.ErrHasBids
		}
		return tx.Delete(&auctionRow{}, "id = ?", id).Error
	})
	return s.mapErr(err)
}

// List implements Store.List.
func (s *GormStore) List(ctx context.Context, status Status) ([]Auction, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	q := s.db.WithContext(cctx).Order("end_time, id")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []auctionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, s.mapErr(err)
	}
	out := make([]Auction, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAuction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
