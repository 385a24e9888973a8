package renewal

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	servicedomain "github.com/billforge/billforge/internal/service/domain"
)

func svc(id int64, parent *int64) servicedomain.Service {
	s := servicedomain.Service{ID: snowflake.ID(id)}
	if parent != nil {
		p := snowflake.ID(*parent)
		s.ParentServiceID = &p
	}
	return s
}

func ptr(v int64) *int64 { return &v }

func TestInvoiceBucketsGroupAll(t *testing.T) {
	services := []servicedomain.Service{svc(1, nil), svc(2, nil), svc(3, ptr(1))}

	buckets := invoiceBuckets(services, true)
	require.Len(t, buckets, 1)
	assert.Len(t, buckets[0], 3)
}

func TestInvoiceBucketsPerService(t *testing.T) {
	services := []servicedomain.Service{svc(1, nil), svc(2, nil)}

	buckets := invoiceBuckets(services, false)
	require.Len(t, buckets, 2)
	assert.Equal(t, snowflake.ID(1), buckets[0][0].ID)
	assert.Equal(t, snowflake.ID(2), buckets[1][0].ID)
}

func TestInvoiceBucketsChildrenRideWithParent(t *testing.T) {
	services := []servicedomain.Service{
		svc(1, nil),
		svc(2, ptr(1)),
		svc(3, nil),
		svc(4, ptr(2)), // grandchild follows its parent's bucket
	}

	buckets := invoiceBuckets(services, false)
	require.Len(t, buckets, 2)
	assert.Len(t, buckets[0], 3)
	assert.Equal(t, snowflake.ID(1), buckets[0][0].ID)
	assert.Equal(t, snowflake.ID(2), buckets[0][1].ID)
	assert.Equal(t, snowflake.ID(4), buckets[0][2].ID)
	assert.Equal(t, snowflake.ID(3), buckets[1][0].ID)
}

func TestInvoiceBucketsOrphanChildGetsOwnBucket(t *testing.T) {
	// Parent not due in this batch: the addon bills alone.
	services := []servicedomain.Service{svc(2, ptr(99))}

	buckets := invoiceBuckets(services, false)
	require.Len(t, buckets, 1)
	assert.Equal(t, snowflake.ID(2), buckets[0][0].ID)
}
