package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func Test_ParseByteSize(t *testing.T) {
	assert := assert.New(t)

	suite := []struct {
		input    string
		expected ByteSize
		fails    bool
	}{
		{"4096", 4096, false},
		{"4KiB", 4096, false},
		{"4 kB", 4000, false},
		{"1MiB", 1 << 20, false},
		{"lots", 0, true},
		{"", 0, true},
	}

	for _, tCase := range suite {
		size, err := ParseByteSize(tCase.input)
		if tCase.fails {
			assert.Error(err, tCase.input)
			continue
		}

		assert.NoError(err, tCase.input)
		assert.Equal(tCase.expected, size, tCase.input)
	}
}

func Test_ByteSize_Flag(t *testing.T) {
	assert := assert.New(t)

	var size ByteSize
	assert.NoError(size.Set("64KiB"))
	assert.Equal(65536, size.Int())
	assert.Equal("64 KiB", size.String())
	assert.Equal("size", size.Type())

	assert.Error(size.Set("-"))
	assert.Equal(65536, size.Int())
}

func Test_ByteSize_YAML(t *testing.T) {
	assert := assert.New(t)

	var doc struct {
		Plain ByteSize `yaml:"plain"`
		Human ByteSize `yaml:"human"`
	}

	assert.NoError(Decode(strings.NewReader("plain: 512\nhuman: 2KiB\n"), &doc))
	assert.Equal(ByteSize(512), doc.Plain)
	assert.Equal(ByteSize(2048), doc.Human)

	out, err := yaml.Marshal(doc)
	assert.NoError(err)
	assert.Equal("plain: 512 B\nhuman: 2.0 KiB\n", string(out))
}
