package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEntity(t *testing.T) {
	v := NewValidator()

	rules := Rules{
		"name":  "required",
		"email": "omitempty,email",
	}

	verr := v.ValidateEntity(map[string]interface{}{
		"name":  "alice",
		"email": "alice@example.com",
	}, rules, nil)
	assert.Nil(t, verr)

	verr = v.ValidateEntity(map[string]interface{}{
		"email": "not-an-email",
	}, rules, nil)
	if assert.NotNil(t, verr) {
		assert.True(t, verr.Has("name"))
		assert.True(t, verr.Has("email"))
		assert.Equal(t, "required", verr.Fields["name"][0].Rule)
		assert.Equal(t, "email", verr.Fields["email"][0].Rule)
	}
}

func TestMerge(t *testing.T) {
	base := Rules{
		"name":  "required",
		"email": "required,email",
	}
	merged := base.Merge(Rules{"email": "omitempty,email"})
	assert.Equal(t, "required", merged["name"])
	assert.Equal(t, "omitempty,email", merged["email"])

	// the receiver stays untouched
	assert.Equal(t, "required,email", base["email"])
}

func TestLimitToKeys(t *testing.T) {
	rules := Rules{
		"name":  "required",
		"email": "required,email",
	}
	limited := rules.LimitToKeys(map[string]interface{}{"email": "x@example.com"})
	assert.Len(t, limited, 1)
	_, ok := limited["name"]
	assert.False(t, ok)

	// a partial update must not complain about fields it does not touch
	v := NewValidator()
	verr := v.ValidateEntity(map[string]interface{}{"email": "x@example.com"}, limited, nil)
	assert.Nil(t, verr)
}

func TestValidateEntityHydration(t *testing.T) {
	v := NewValidator()
	rules := Rules{"name": "required", "email": "required,email"}

	// the existing record fills fields the update does not touch
	existing := map[string]interface{}{"name": "alice", "email": "alice@example.com"}
	verr := v.ValidateEntity(map[string]interface{}{"email": "new@example.com"}, rules, existing)
	assert.Nil(t, verr)

	verr = v.ValidateEntity(map[string]interface{}{"email": "new@example.com"}, rules, nil)
	assert.NotNil(t, verr)
}

func TestValidateCollectionOrderedSlots(t *testing.T) {
	v := NewValidator()
	rules := func(int, map[string]interface{}) Rules {
		return Rules{"name": "required"}
	}

	collection := []map[string]interface{}{
		{"name": "first"},
		{},
		{"name": "third"},
	}
	errs, failed := v.ValidateCollection(collection, rules, nil)
	assert.True(t, failed)
	assert.Len(t, errs, len(collection))
	assert.Nil(t, errs[0])
	assert.NotNil(t, errs[1])
	assert.Nil(t, errs[2])
	assert.True(t, errs.Any())
}

func TestNotFoundError(t *testing.T) {
	verr := NotFoundError("user_id")
	assert.True(t, verr.IsNotFound())
	assert.Equal(t, "notFound", verr.Fields["user_id"][0].Rule)

	verr.Add("name", "required", "The name field is required.")
	assert.False(t, verr.IsNotFound())

	list := ErrorList{nil, NotFoundError("user_id"), nil}
	assert.True(t, list.Any())
	assert.True(t, list.AllNotFound())

	list = append(list, verr)
	assert.False(t, list.AllNotFound())
}
