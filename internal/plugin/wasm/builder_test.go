package wasm

// moduleBuilder assembles small WebAssembly binaries for tests. It
// supports function imports and exported functions with one i64 local,
// which is all the test modules need.
type moduleBuilder struct {
	types   []funcType
	imports []importEntry
	funcs   []funcEntry
}

const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e
)

const (
	opCall     byte = 0x10
	opDrop     byte = 0x1a
	opLocalGet byte = 0x20
	opLocalSet byte = 0x21
	opI32Const byte = 0x41
	opI64Const byte = 0x42
	opI32Sub   byte = 0x6b
	opI64Add   byte = 0x7c
	opEnd      byte = 0x0b
)

type funcType struct {
	params  []byte
	results []byte
}

type importEntry struct {
	module string
	name   string
	typ    int
}

type funcEntry struct {
	name string
	typ  int
	body []byte
}

func (b *moduleBuilder) typeIndex(params, results []byte) int {
	for i, t := range b.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return i
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return len(b.types) - 1
}

// importFunc declares an imported function and returns its index. All
// imports must be declared before the first export.
func (b *moduleBuilder) importFunc(module, name string, params, results []byte) int {
	b.imports = append(b.imports, importEntry{module: module, name: name, typ: b.typeIndex(params, results)})
	return len(b.imports) - 1
}

// export adds an exported function. body excludes the final end opcode.
func (b *moduleBuilder) export(name string, params, results []byte, body []byte) {
	b.funcs = append(b.funcs, funcEntry{name: name, typ: b.typeIndex(params, results), body: body})
}

func (b *moduleBuilder) bytes() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	var types []byte
	types = append(types, uleb(uint64(len(b.types)))...)
	for _, t := range b.types {
		types = append(types, 0x60)
		types = append(types, vec(t.params)...)
		types = append(types, vec(t.results)...)
	}
	out = section(out, 1, types)

	var imports []byte
	imports = append(imports, uleb(uint64(len(b.imports)))...)
	for _, im := range b.imports {
		imports = append(imports, vec([]byte(im.module))...)
		imports = append(imports, vec([]byte(im.name))...)
		imports = append(imports, 0x00)
		imports = append(imports, uleb(uint64(im.typ))...)
	}
	out = section(out, 2, imports)

	var funcs []byte
	funcs = append(funcs, uleb(uint64(len(b.funcs)))...)
	for _, f := range b.funcs {
		funcs = append(funcs, uleb(uint64(f.typ))...)
	}
	out = section(out, 3, funcs)

	var exports []byte
	exports = append(exports, uleb(uint64(len(b.funcs)))...)
	for i, f := range b.funcs {
		exports = append(exports, vec([]byte(f.name))...)
		exports = append(exports, 0x00)
		exports = append(exports, uleb(uint64(len(b.imports)+i))...)
	}
	out = section(out, 7, exports)

	var bodies []byte
	bodies = append(bodies, uleb(uint64(len(b.funcs)))...)
	for _, f := range b.funcs {
		// One local declaration: a single i64.
		body := []byte{0x01, 0x01, valI64}
		body = append(body, f.body...)
		body = append(body, opEnd)
		bodies = append(bodies, vec(body)...)
	}
	return section(out, 10, bodies)
}

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	return append(out, vec(content)...)
}

func vec(b []byte) []byte {
	return append(uleb(uint64(len(b))), b...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

// code emits instructions for one function body.
type code struct {
	buf   []byte
	alloc int
	store int
}

func (c *code) op(b byte) *code {
	c.buf = append(c.buf, b)
	return c
}

func (c *code) i32(v int32) *code {
	c.buf = append(c.buf, opI32Const)
	c.buf = append(c.buf, sleb(int64(v))...)
	return c
}

func (c *code) i64(v int64) *code {
	c.buf = append(c.buf, opI64Const)
	c.buf = append(c.buf, sleb(v)...)
	return c
}

func (c *code) call(idx int) *code {
	c.buf = append(c.buf, opCall)
	c.buf = append(c.buf, uleb(uint64(idx))...)
	return c
}

func (c *code) local(op byte, idx int) *code {
	c.buf = append(c.buf, op)
	c.buf = append(c.buf, uleb(uint64(idx))...)
	return c
}

// str copies s into Extism memory byte by byte and leaves its offset on
// the stack. It uses local 0 as scratch.
func (c *code) str(s string) *code {
	c.i64(int64(len(s))).call(c.alloc).local(opLocalSet, 0)
	for i := 0; i < len(s); i++ {
		c.local(opLocalGet, 0).i64(int64(i)).op(opI64Add)
		c.i32(int32(s[i])).call(c.store)
	}
	return c.local(opLocalGet, 0)
}

// hookModule builds a module exporting all four hooks:
//
//	initialize: logs "initialize" and succeeds
//	load:       fails unless the "network" capability is granted
//	update:     sets the "updated" setting to true
//	unload:     logs "unload" and succeeds
func hookModule() []byte {
	var b moduleBuilder
	alloc := b.importFunc("extism:host/env", "alloc", []byte{valI64}, []byte{valI64})
	store := b.importFunc("extism:host/env", "store_u8", []byte{valI64, valI32}, nil)
	hostLog := b.importFunc("env", "host_log", []byte{valI32, valI64}, nil)
	settingsSet := b.importFunc("env", "settings_set", []byte{valI64, valI64}, []byte{valI32})
	hasCapability := b.importFunc("env", "has_capability", []byte{valI64}, []byte{valI32})

	hook := func() *code { return &code{alloc: alloc, store: store} }
	result := []byte{valI32}

	b.export("initialize", nil, result,
		hook().i32(1).str("initialize").call(hostLog).i32(0).buf)
	b.export("load", nil, result,
		hook().i32(1).str("network").call(hasCapability).op(opI32Sub).buf)
	b.export("update", nil, result,
		hook().str("updated").str("true").call(settingsSet).op(opDrop).i32(0).buf)
	b.export("unload", nil, result,
		hook().i32(1).str("unload").call(hostLog).i32(0).buf)
	return b.bytes()
}

// emptyModule is the smallest valid WebAssembly module.
var emptyModule = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
