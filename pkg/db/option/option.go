package option

import (
	"fmt"

	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

func ApplyOrder(column string, desc bool) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		direction := "ASC"
		if desc {
			direction = "DESC"
		}
		return db.Order(fmt.Sprintf("%s %s", column, direction))
	})
}

func ApplyLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

// ApplyAfterID restricts results to rows whose id is greater than afterID.
func ApplyAfterID(afterID int64) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if afterID <= 0 {
			return db
		}
		return db.Where("id > ?", afterID)
	})
}

func ApplyIn(column string, values any) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s IN ?", column), values)
	})
}
