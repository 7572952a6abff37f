package textnorm

import "testing"

func TestFold(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Mañana  a las 10 ", "manana a las 10"},
		{"TUCUMÁN", "tucuman"},
		{"Sí, confirmo", "si, confirmo"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContainsPhrase(t *testing.T) {
	tests := []struct {
		text, phrase string
		want         bool
	}{
		{"en La Banda", "la banda", true},
		{"bandana", "banda", false},
		{"cambio de aceite, porfa", "Cambio de Aceite", true},
		{"hola", "", false},
	}
	for _, tt := range tests {
		if got := ContainsPhrase(tt.text, tt.phrase); got != tt.want {
			t.Errorf("ContainsPhrase(%q, %q) = %v, want %v", tt.text, tt.phrase, got, tt.want)
		}
	}
}
