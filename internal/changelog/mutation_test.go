package changelog

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for _, typ := range AllTypes {
		got, err := ParseType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)

		got, err = ParseType(typ.Name())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	_, err := ParseType("XXXX")
	assert.Error(t, err)
}

func TestMutation_ValidVariants(t *testing.T) {
	tests := []struct {
		name string
		log  ChangeLog
		want Mutation
	}{
		{
			name: "contact insert",
			log:  ChangeLog{Type: ContactInsert, InstanceNumber: "+15550000001", Payload: Payload{CID: Str("c1")}},
			want: AddContact{CID: "c1", Instance: "+15550000001"},
		},
		{
			name: "contact insert uses parent number as owner",
			log: ChangeLog{Type: ContactInsert, InstanceNumber: "+15550000001",
				Payload: Payload{CID: Str("c1"), ParentNumber: Str("+15550000002")}},
			want: AddContact{CID: "c1", Instance: "+15550000002"},
		},
		{
			name: "contact update",
			log:  ChangeLog{Type: ContactUpdate, Payload: Payload{CID: Str("c1"), Blocked: Bool(true)}},
			want: UpdateContact{CID: "c1", Blocked: true},
		},
		{
			name: "contact delete",
			log:  ChangeLog{Type: ContactDelete, Payload: Payload{CID: Str("c1")}},
			want: RemoveContact{CID: "c1"},
		},
		{
			name: "number insert defaults version and degree",
			log: ChangeLog{Type: ContactNumberInsert, InstanceNumber: "i",
				Payload: Payload{CID: Str("c1"), Number: Str("+15551234567")}},
			want: AddContactNumber{CID: "c1", Instance: "i", Number: "+15551234567"},
		},
		{
			name: "number update",
			log: ChangeLog{Type: ContactNumberUpdate, InstanceNumber: "i",
				Payload: Payload{CID: Str("c1"), OldNumber: Str("1"), Number: Str("2"), CounterValue: Int64(4)}},
			want: UpdateContactNumber{CID: "c1", Instance: "i", OldNumber: "1", Number: "2", Version: 4},
		},
		{
			name: "number delete",
			log:  ChangeLog{Type: ContactNumberDelete, Payload: Payload{CID: Str("c1"), Number: Str("2")}},
			want: RemoveContactNumber{CID: "c1", Number: "2"},
		},
		{
			name: "instance insert",
			log:  ChangeLog{Type: InstanceInsert, InstanceNumber: "i"},
			want: AddInstance{Instance: "i"},
		},
		{
			name: "instance delete",
			log:  ChangeLog{Type: InstanceDelete, InstanceNumber: "i"},
			want: RemoveInstance{Instance: "i"},
		},
		{
			name: "non contact update",
			log:  ChangeLog{Type: NonContactUpdate, Payload: Payload{Number: Str("2"), Trustability: Int(1)}},
			want: MarkNumber{Number: "2", Trustability: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.log.Mutation()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMutation_Malformed(t *testing.T) {
	logs := []ChangeLog{
		{Type: ContactInsert, InstanceNumber: "i"},
		{Type: ContactInsert, InstanceNumber: "i", Payload: Payload{CID: Str("")}},
		{Type: ContactUpdate, Payload: Payload{CID: Str("c1")}},
		{Type: ContactNumberInsert, InstanceNumber: "i", Payload: Payload{CID: Str("c1")}},
		{Type: ContactNumberUpdate, Payload: Payload{CID: Str("c1"), Number: Str("2"), CounterValue: Int64(1)}},
		{Type: ContactNumberUpdate, Payload: Payload{CID: Str("c1"), OldNumber: Str("1"), Number: Str("2")}},
		{Type: ContactNumberDelete, Payload: Payload{Number: Str("2")}},
		{Type: InstanceInsert},
		{Type: InstanceDelete},
		{Type: NonContactUpdate, Payload: Payload{Number: Str("2")}},
		{Type: "ZZZZ"},
	}

	for _, log := range logs {
		t.Run(string(log.Type), func(t *testing.T) {
			_, err := log.Mutation()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "expected ErrMalformed, got %v", err)
		})
	}
}

func TestRegions_AreInLockOrder(t *testing.T) {
	muts := []Mutation{
		AddContact{}, UpdateContact{}, RemoveContact{},
		AddContactNumber{}, UpdateContactNumber{}, RemoveContactNumber{},
		AddInstance{}, RemoveInstance{}, MarkNumber{},
	}
	for _, m := range muts {
		regions := m.Regions()
		require.NotEmpty(t, regions)
		assert.True(t, sort.SliceIsSorted(regions, func(i, j int) bool { return regions[i] < regions[j] }),
			"%T regions out of order: %v", m, regions)
	}
}

func TestDeriveCID_Deterministic(t *testing.T) {
	a := DeriveCID("+15550000001", "42")
	b := DeriveCID("+15550000001", "42")
	c := DeriveCID("+15550000002", "42")
	d := DeriveCID("+15550000001", "43")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 36)
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestUUIDv7Generator_Sortable(t *testing.T) {
	g := UUIDv7Generator{}
	first := g.Generate()
	second := g.Generate()
	assert.Len(t, first, 36)
	assert.NotEqual(t, first, second)
}
