package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteacai/cashback-engine/customers"
)

// RunCustomers executes the customers.Repository contract.
func RunCustomers(t *testing.T, newRepo func(t *testing.T) customers.Repository) {
	t.Run("CreateAndGet", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		dob := time.Date(1990, time.May, 4, 0, 0, 0, 0, time.UTC)
		c := customers.Customer{
			ID:           "c-1",
			Name:         "Maria",
			Phone:        "5511999990000",
			Email:        "maria@example.com",
			PasswordHash: "$argon2id$stub",
			DateOfBirth:  &dob,
			CreatedAt:    Base,
		}
		require.NoError(t, r.CreateCustomer(ctx, c))

		got, err := r.GetCustomer(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "Maria", got.Name)
		assert.Equal(t, "maria@example.com", got.Email)
		require.NotNil(t, got.DateOfBirth)
		assert.True(t, dob.Equal(*got.DateOfBirth))
		assert.True(t, Base.Equal(got.CreatedAt))
		assert.Nil(t, got.LastLoginAt)

		byPhone, err := r.GetCustomerByPhone(ctx, "5511999990000")
		require.NoError(t, err)
		assert.Equal(t, c.ID, byPhone.ID)

		_, err = r.GetCustomer(ctx, "nobody")
		assert.ErrorIs(t, err, customers.ErrNotFound)
		_, err = r.GetCustomerByPhone(ctx, "000")
		assert.ErrorIs(t, err, customers.ErrNotFound)
	})

	t.Run("UniquePhoneAndEmail", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		require.NoError(t, r.CreateCustomer(ctx, customers.Customer{
			ID: "c-1", Phone: "111", Email: "a@example.com", PasswordHash: "h", CreatedAt: Base,
		}))

		err := r.CreateCustomer(ctx, customers.Customer{
			ID: "c-2", Phone: "111", Email: "b@example.com", PasswordHash: "h", CreatedAt: Base,
		})
		assert.ErrorIs(t, err, customers.ErrPhoneTaken)

		err = r.CreateCustomer(ctx, customers.Customer{
			ID: "c-3", Phone: "222", Email: "a@example.com", PasswordHash: "h", CreatedAt: Base,
		})
		assert.ErrorIs(t, err, customers.ErrEmailTaken)

		list, err := r.ListCustomers(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("TouchLastLogin", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		require.NoError(t, r.CreateCustomer(ctx, customers.Customer{
			ID: "c-1", Phone: "111", Email: "a@example.com", PasswordHash: "h", CreatedAt: Base,
		}))

		at := Base.Add(time.Hour)
		require.NoError(t, r.TouchLastLogin(ctx, "c-1", at))

		got, err := r.GetCustomer(ctx, "c-1")
		require.NoError(t, err)
		require.NotNil(t, got.LastLoginAt)
		assert.True(t, at.Equal(*got.LastLoginAt))

		assert.ErrorIs(t, r.TouchLastLogin(ctx, "nobody", at), customers.ErrNotFound)
	})

	t.Run("ListOrdered", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		require.NoError(t, r.CreateCustomer(ctx, customers.Customer{
			ID: "c-2", Phone: "222", Email: "b@example.com", PasswordHash: "h", CreatedAt: Base.Add(time.Minute),
		}))
		require.NoError(t, r.CreateCustomer(ctx, customers.Customer{
			ID: "c-1", Phone: "111", Email: "a@example.com", PasswordHash: "h", CreatedAt: Base,
		}))

		list, err := r.ListCustomers(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "c-1", string(list[0].ID))
		assert.Equal(t, "c-2", string(list[1].ID))
	})
}
