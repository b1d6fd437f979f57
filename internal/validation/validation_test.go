package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x55d398326f99059fF775485246999027B3197955", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"55d398326f99059fF775485246999027B3197955", false},     // No 0x
		{"0x55d398326f99059fF775485246999027B31979", false},     // Too short
		{"0x55d398326f99059fF775485246999027B319795500", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	if !IsValidTxHash("0x" + strings.Repeat("ab", 32)) {
		t.Error("expected 32-byte hash to be valid")
	}
	if IsValidTxHash("0x" + strings.Repeat("ab", 31)) {
		t.Error("expected short hash to be invalid")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"UTR123456", 20, "UTR123456"},
		{"  UTR123456  ", 20, "UTR123456"},
		{"UTR123456", 3, "UTR"},
		{"UTR\x00123", 20, "UTR123"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("userAddress", ""),
		ValidAddress("adminAddress", "0x1234"),
		PositiveDecimal("amount", "100.0000", 18),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "userAddress" || errs[1].Field != "adminAddress" {
		t.Errorf("unexpected fields: %v", errs)
	}
	if errs.Error() != "userAddress: is required" {
		t.Errorf("unexpected message %q", errs.Error())
	}
}

func TestPositiveDecimal(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"100", true},
		{"100.0000", true},
		{"8560.00", true},
		{"0.000000000000000001", true},
		{"", true},
		{"0", false},
		{"0.00", false},
		{"-1", false},
		{"abc", false},
		{"1e18", false},
		{"1.2.3", false},
		{"0.0000000000000000001", false},
	}

	for _, tc := range tests {
		err := PositiveDecimal("amount", tc.value, 18)()
		if (err == nil) != tc.ok {
			t.Errorf("PositiveDecimal(%q) ok = %v, want %v (%v)", tc.value, err == nil, tc.ok, err)
		}
	}
}

func TestChainID(t *testing.T) {
	if err := ChainID("chainId", 56, 56)(); err != nil {
		t.Errorf("expected chain 56 to pass, got %v", err)
	}
	err := ChainID("chainId", 1, 56)()
	if err == nil || !strings.Contains(err.Message, "expected 56") {
		t.Errorf("expected chain mismatch error, got %v", err)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("proof", "short", 10)(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := MaxLength("proof", strings.Repeat("x", 11), 10)(); err == nil {
		t.Error("expected error for long value")
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/allowance/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/allowance/0xnope", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/allowance/0x55d398326f99059fF775485246999027B3197955", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"proof":"way too long"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}
