package backend

import (
	"net/http"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"

	"github.com/relata-tech/relata/core"
	"github.com/relata-tech/relata/core/csql"

	_ "github.com/lib/pq"
)

var configurationJSON string = `{
	"resources": [
	  {
		"resource": "a",
		"rules": {
		  "name": "required",
		  "email": "omitempty,email"
		},
		"searchable_properties": ["name"],
		"indexable": true,
		"indexed_properties": ["name"],
		"index_relations": ["b"]
	  },
	  {
		"resource": "b"
	  },
	  {
		"resource": "b/c"
	  },
	  {
		"resource": "b/c/d"
	  },
	  {
		"resource": "o"
	  },
	  {
		"resource": "o/s",
		"singleton": true
	  },
	  {
		"resource": "p"
	  }
	],
	"relations": [
	  {
		"left": "a",
		"right": "b",
		"pivot_properties": ["role"]
	  }
	]
  }
`

// TestService holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type TestService struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	backend          *Backend
	client           core.Client
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_backend_unit_test_")
	defer db.Close()
	db.ClearSchema()

	router := mux.NewRouter()
	testService.backend = New(&Builder{
		Config: configurationJSON,
		DB:     db,
		Router: router,
	})
	testService.client = core.NewClient(router)

	code := m.Run()
	os.Exit(code)
}

type A struct {
	AID   uuid.UUID `json:"a_id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Foo   string    `json:"foo"`
	Role  string    `json:"role,omitempty"`
}

type B struct {
	BID uuid.UUID `json:"b_id"`
	Foo string    `json:"foo"`
}

func TestCollectionA(t *testing.T) {
	cl := testService.client

	aNew := A{Name: "alice", Email: "alice@example.com", Foo: "bar"}
	_, header, err := cl.PostWithHeaders("/as", &aNew, nil)
	if err != nil {
		t.Fatal(err)
	}
	location := header.Get("Location")
	if location == "" {
		t.Fatal("no location header")
	}

	a := A{}
	_, err = cl.Get(location, &a)
	if err != nil {
		t.Fatal(err)
	}
	u := uuid.UUID{}
	if a.AID == u {
		t.Fatal("no id")
	}
	assert.Equal(t, aNew.Name, a.Name)
	assert.Equal(t, aNew.Email, a.Email)
	assert.Equal(t, aNew.Foo, a.Foo)

	// full update keeps created semantics, also on the second write
	aPut := a
	aPut.Foo = "baz"
	status, err := cl.Put("/as/"+a.AID.String(), &aPut, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	status, err = cl.Put("/as/"+a.AID.String(), &aPut, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	// a full update must carry the identifier, and it must match the route
	status, err = cl.Put("/as/"+a.AID.String(),
		map[string]interface{}{"name": "alice"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	status, err = cl.Put("/as/"+a.AID.String(),
		map[string]interface{}{"a_id": uuid.UUID{}, "name": "alice"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	status, err = cl.Put("/as/"+a.AID.String(),
		map[string]interface{}{"a_id": uuid.New(), "name": "alice"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	aGet := A{}
	_, err = cl.Get("/as/"+a.AID.String(), &aGet)
	assert.NoError(t, err)
	assert.Equal(t, "baz", aGet.Foo)

	// partial update touches only the submitted fields
	status, err = cl.Patch("/as/"+a.AID.String(), map[string]interface{}{"foo": "patched"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	_, err = cl.Get("/as/"+a.AID.String(), &aGet)
	assert.NoError(t, err)
	assert.Equal(t, "patched", aGet.Foo)
	assert.Equal(t, "alice", aGet.Name)

	status, err = cl.Delete("/as/" + a.AID.String())
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = cl.Get("/as/"+a.AID.String(), &aGet)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCollectionValidation(t *testing.T) {
	cl := testService.client

	// missing required field
	status, err := cl.Post("/as", &A{Email: "alice@example.com"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// broken rule
	status, err = cl.Post("/as", &A{Name: "alice", Email: "not-an-email"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// creating the same entity twice is a conflict
	id := uuid.New()
	valid := map[string]interface{}{"a_id": id, "name": "alice"}
	_, err = cl.Post("/as", valid, nil)
	assert.NoError(t, err)
	status, err = cl.Post("/as", valid, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)

	// partial update of a missing entity
	status, err = cl.Patch("/as/"+uuid.New().String(), map[string]interface{}{"name": "x"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	cl.Delete("/as/" + id.String())
}

func TestCollectionBatch(t *testing.T) {
	cl := testService.client

	collection := []A{
		{Name: "batch one"},
		{Name: "batch two"},
	}
	var created []A
	status, err := cl.Put("/as", &collection, &created)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	if !assert.Len(t, created, 2) {
		return
	}
	assert.Equal(t, "batch one", created[0].Name)
	assert.Equal(t, "batch two", created[1].Name)

	// one broken item fails the entire batch, the invalid array mirrors
	// the input with null at the positions that passed
	type errorEnvelope struct {
		Message string                   `json:"message"`
		Invalid []map[string]interface{} `json:"invalid"`
	}
	status, body := cl.RawPut("/as", []map[string]interface{}{
		{"name": "fine"},
		{"email": "no name"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	envelope := errorEnvelope{}
	err = json.Unmarshal(body, &envelope)
	assert.NoError(t, err)
	if assert.Len(t, envelope.Invalid, 2) {
		assert.Nil(t, envelope.Invalid[0])
		assert.Contains(t, envelope.Invalid[1], "name")
	}

	// batch patch of an unknown entity deletes or updates nothing
	status, body = cl.RawPatch("/as", []map[string]interface{}{
		{"a_id": created[0].AID, "foo": "updated"},
		{"a_id": uuid.New(), "foo": "missing"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	envelope = errorEnvelope{}
	err = json.Unmarshal(body, &envelope)
	assert.NoError(t, err)
	assert.Equal(t, "one or more entities not found", envelope.Message)
	if assert.Len(t, envelope.Invalid, 2) {
		assert.Nil(t, envelope.Invalid[0])
		assert.Contains(t, envelope.Invalid[1], "a_id")
	}
	aGet := A{}
	_, err = cl.Get("/as/"+created[0].AID.String(), &aGet)
	assert.NoError(t, err)
	assert.Empty(t, aGet.Foo)

	// batch patch with all identifiers resolved
	status, err = cl.Patch("/as", []map[string]interface{}{
		{"a_id": created[0].AID, "foo": "updated"},
		{"a_id": created[1].AID, "foo": "also updated"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	_, err = cl.Get("/as/"+created[0].AID.String(), &aGet)
	assert.NoError(t, err)
	assert.Equal(t, "updated", aGet.Foo)

	// batch delete refuses as long as one identifier does not resolve
	status, err = cl.Delete("/as", []map[string]interface{}{
		{"a_id": created[0].AID},
		{"a_id": uuid.New()},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Error(t, err)
	_, err = cl.Get("/as/"+created[0].AID.String(), &aGet)
	assert.NoError(t, err)

	status, err = cl.Delete("/as", []map[string]interface{}{
		{"a_id": created[0].AID},
		{"a_id": created[1].AID},
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = cl.Get("/as/"+created[0].AID.String(), &aGet)
	assert.Equal(t, http.StatusNotFound, status)
}

type P struct {
	PID uuid.UUID `json:"p_id"`
	N   int       `json:"n"`
}

func TestCollectionPagination(t *testing.T) {
	cl := testService.client

	for n := 0; n < 25; n++ {
		_, err := cl.Post("/ps", &P{N: n}, nil)
		if err != nil {
			t.Fatal(err)
		}
	}

	var page []P
	status, header, err := cl.GetWithHeaders("/ps?limit=10", &page)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, status)
	assert.Len(t, page, 10)
	assert.Equal(t, "entities 0-9/25", header.Get("Content-Range"))
	assert.Equal(t, "entities", header.Get("Accept-Ranges"))

	_, header, err = cl.GetWithHeaders("/ps?limit=10&offset=20", &page)
	assert.NoError(t, err)
	assert.Len(t, page, 5)
	assert.Equal(t, "entities 20-24/25", header.Get("Content-Range"))

	// the Range header addresses the same windows
	_, header, err = cl.WithHeader("Range", "entities=10-19").GetWithHeaders("/ps", &page)
	assert.NoError(t, err)
	assert.Len(t, page, 10)
	assert.Equal(t, "entities 10-19/25", header.Get("Content-Range"))

	// the suffix form selects the last page
	_, header, err = cl.WithHeader("Range", "entities=-10").GetWithHeaders("/ps", &page)
	assert.NoError(t, err)
	assert.Len(t, page, 10)
	assert.Equal(t, "entities 15-24/25", header.Get("Content-Range"))

	// the explicit pages route serves the same windows
	_, header, err = cl.GetWithHeaders("/ps/pages?limit=10", &page)
	assert.NoError(t, err)
	assert.Len(t, page, 10)
	assert.Equal(t, "entities 0-9/25", header.Get("Content-Range"))

	// a window beyond the collection is unsatisfiable
	status, body := cl.WithHeader("Range", "entities=30-39").RawGet("/ps")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, status)
	assert.NotContains(t, string(body), "p_id")
}

func TestChildCollection(t *testing.T) {
	cl := testService.client

	_, header, err := cl.PostWithHeaders("/bs", &B{Foo: "owner"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := B{}
	_, err = cl.Get(header.Get("Location"), &b)
	if err != nil {
		t.Fatal(err)
	}

	type C struct {
		CID uuid.UUID `json:"c_id"`
		BID uuid.UUID `json:"b_id"`
		Foo string    `json:"foo"`
	}
	childRoute := "/bs/" + b.BID.String() + "/cs"
	_, header, err = cl.PostWithHeaders(childRoute, &C{Foo: "child"}, nil)
	assert.NoError(t, err)
	c := C{}
	_, err = cl.Get(header.Get("Location"), &c)
	assert.NoError(t, err)
	assert.Equal(t, b.BID, c.BID)
	assert.Equal(t, "child", c.Foo)

	// the child is scoped to its owner
	var children []C
	_, err = cl.Get(childRoute, &children)
	assert.NoError(t, err)
	assert.Len(t, children, 1)
	status, _ := cl.Get("/bs/"+uuid.New().String()+"/cs/"+c.CID.String(), &c)
	assert.Equal(t, http.StatusNotFound, status)

	// a grandchild carries the identifiers of the whole owner chain
	type D struct {
		DID uuid.UUID `json:"d_id"`
		CID uuid.UUID `json:"c_id"`
		BID uuid.UUID `json:"b_id"`
		Foo string    `json:"foo"`
	}
	grandchildRoute := childRoute + "/" + c.CID.String() + "/ds"
	_, header, err = cl.PostWithHeaders(grandchildRoute, &D{Foo: "grandchild"}, nil)
	assert.NoError(t, err)
	d := D{}
	_, err = cl.Get(header.Get("Location"), &d)
	assert.NoError(t, err)
	assert.Equal(t, c.CID, d.CID)
	assert.Equal(t, b.BID, d.BID)

	// eager loading works below the first nesting level
	nested := map[string]interface{}{}
	_, err = cl.WithHeader("With-Nested", "d").Get(childRoute+"/"+c.CID.String(), &nested)
	assert.NoError(t, err)
	items, ok := nested["d"].([]interface{})
	if assert.True(t, ok) {
		assert.Len(t, items, 1)
	}

	// deleting the owner cascades
	_, err = cl.Delete("/bs/" + b.BID.String())
	assert.NoError(t, err)
	status, _ = cl.Get(childRoute+"/"+c.CID.String(), &c)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEmptyCollection(t *testing.T) {
	cl := testService.client

	_, header, err := cl.PostWithHeaders("/bs", &B{Foo: "childless"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := B{}
	_, err = cl.Get(header.Get("Location"), &b)
	if err != nil {
		t.Fatal(err)
	}
	childRoute := "/bs/" + b.BID.String() + "/cs"

	// an empty collection is a regular result
	var children []map[string]interface{}
	status, err := cl.Get(childRoute, &children)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, children, 0)

	// an explicitly requested window remains unsatisfiable
	status, _ = cl.RawGet(childRoute + "?limit=5")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, status)
	status, _ = cl.WithHeader("Range", "entities=0-4").RawGet(childRoute)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, status)

	cl.Delete("/bs/" + b.BID.String())
}

func TestSingleton(t *testing.T) {
	cl := testService.client

	type O struct {
		OID uuid.UUID `json:"o_id"`
	}
	type S struct {
		SID uuid.UUID `json:"s_id"`
		OID uuid.UUID `json:"o_id"`
		Foo string    `json:"foo"`
	}

	_, header, err := cl.PostWithHeaders("/os", &O{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := O{}
	_, err = cl.Get(header.Get("Location"), &o)
	if err != nil {
		t.Fatal(err)
	}

	route := "/os/" + o.OID.String() + "/s"
	status, _ := cl.Get(route, &S{})
	assert.Equal(t, http.StatusNotFound, status)

	status, err = cl.Put(route, &S{Foo: "bar"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	s := S{}
	_, err = cl.Get(route, &s)
	assert.NoError(t, err)
	assert.Equal(t, "bar", s.Foo)
	// the singleton shares its identifier with the owner
	assert.Equal(t, o.OID, s.SID)
	assert.Equal(t, o.OID, s.OID)

	status, err = cl.Patch(route, map[string]interface{}{"foo": "baz"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	_, err = cl.Get(route, &s)
	assert.NoError(t, err)
	assert.Equal(t, "baz", s.Foo)

	status, err = cl.Delete(route)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = cl.Get(route, &s)
	assert.Equal(t, http.StatusNotFound, status)

	cl.Delete("/os/" + o.OID.String())
}

func TestRelation(t *testing.T) {
	cl := testService.client

	aID := uuid.New()
	_, err := cl.Post("/as", map[string]interface{}{"a_id": aID, "name": "left"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	bID1, bID2 := uuid.New(), uuid.New()
	_, err = cl.Post("/bs", map[string]interface{}{"b_id": bID1, "foo": "one"}, nil)
	assert.NoError(t, err)
	_, err = cl.Post("/bs", map[string]interface{}{"b_id": bID2, "foo": "two"}, nil)
	assert.NoError(t, err)

	// attaching an unknown entity fails on either side
	status, err := cl.Put("/as/"+uuid.New().String()+"/bs/"+bID1.String(), nil, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	status, err = cl.Put("/as/"+aID.String()+"/bs/"+uuid.New().String(), nil, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	status, err = cl.Put("/as/"+aID.String()+"/bs/"+bID1.String(),
		map[string]interface{}{"role": "editor"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	// the pivot value surfaces on the attached entity
	attached := map[string]interface{}{}
	_, err = cl.Get("/as/"+aID.String()+"/bs/"+bID1.String(), &attached)
	assert.NoError(t, err)
	assert.Equal(t, "editor", attached["role"])
	assert.Equal(t, "one", attached["foo"])

	var related []B
	_, err = cl.Get("/as/"+aID.String()+"/bs", &related)
	assert.NoError(t, err)
	assert.Len(t, related, 1)

	// the reverse side lists read-only
	var reverse []A
	_, err = cl.Get("/bs/"+bID1.String()+"/as", &reverse)
	assert.NoError(t, err)
	assert.Len(t, reverse, 1)
	assert.Equal(t, aID, reverse[0].AID)

	// eager loading embeds the relation
	nested := map[string]interface{}{}
	_, err = cl.WithHeader("With-Nested", "b").Get("/as/"+aID.String(), &nested)
	assert.NoError(t, err)
	items, ok := nested["b"].([]interface{})
	if assert.True(t, ok) {
		assert.Len(t, items, 1)
	}

	// sync replaces the association set
	var selves []map[string]interface{}
	status, err = cl.Put("/as/"+aID.String()+"/bs",
		[]map[string]interface{}{{"b_id": bID2, "role": "author"}}, &selves)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	if assert.Len(t, selves, 1) {
		assert.Equal(t, "/bs/"+bID2.String(), selves[0]["_self"])
	}
	_, err = cl.Get("/as/"+aID.String()+"/bs", &related)
	assert.NoError(t, err)
	if assert.Len(t, related, 1) {
		assert.Equal(t, bID2, related[0].BID)
	}

	// a sync item without identifier is rejected
	status, err = cl.Put("/as/"+aID.String()+"/bs",
		[]map[string]interface{}{{"role": "author"}}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// attaching with entity fields creates the related entity
	bID3 := uuid.New()
	status, err = cl.Put("/as/"+aID.String()+"/bs/"+bID3.String(),
		map[string]interface{}{"foo": "created on attach", "role": "editor"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	b3 := B{}
	_, err = cl.Get("/bs/"+bID3.String(), &b3)
	assert.NoError(t, err)
	assert.Equal(t, "created on attach", b3.Foo)

	status, err = cl.Delete("/as/" + aID.String() + "/bs/" + bID2.String())
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = cl.Get("/as/"+aID.String()+"/bs/"+bID2.String(), &attached)
	assert.Equal(t, http.StatusNotFound, status)

	// detaching all is idempotent
	cl.Put("/as/"+aID.String()+"/bs/"+bID1.String(), nil, nil)
	status, err = cl.Delete("/as/" + aID.String() + "/bs")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	status, err = cl.Delete("/as/" + aID.String() + "/bs")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	cl.Delete("/as/" + aID.String())
	cl.Delete("/bs/" + bID1.String())
	cl.Delete("/bs/" + bID2.String())
	cl.Delete("/bs/" + bID3.String())
}

func TestSearchWithoutIndex(t *testing.T) {
	cl := testService.client

	// resource a is indexable, but no search cluster is configured
	status, _ := cl.RawGet("/as?q=alice")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	status, _ = cl.RawGet("/as/search?q=alice")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	// the explicit search route needs a query
	status, _ = cl.RawGet("/as/search")
	assert.Equal(t, http.StatusBadRequest, status)

	// resource b is not indexable at all
	status, _ = cl.RawGet("/bs?q=foo")
	assert.Equal(t, http.StatusBadRequest, status)
}
