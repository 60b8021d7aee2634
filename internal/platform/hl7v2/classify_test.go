package hl7v2

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{
			name: "QRD segment",
			raw:  "MSH|^~\\&|A|B||||||QRY^Q02|1|P|2.3.1\rQRD|20240115|R|I|Q1|||1^RD|001013|DEM",
			want: KindQuery,
		},
		{
			name: "QRD in a result-typed message",
			raw:  "MSH|^~\\&|A|B||||||ORU^R01|1|P|2.3.1\rQRD|20240115|R|I|Q1|||1^RD|001013|DEM",
			want: KindQuery,
		},
		{
			name: "QBP type without QRD",
			raw:  "MSH|^~\\&|A|B||||||QBP^Q11|1|P|2.5.1\rQPD|x",
			want: KindQuery,
		},
		{
			name: "ORM without OBX",
			raw:  "MSH|^~\\&|A|B||||||ORM^O01|1|P|2.3.1\rORC|NW||001013",
			want: KindQuery,
		},
		{
			name: "ORM with OBX",
			raw:  "MSH|^~\\&|A|B||||||ORM^O01|1|P|2.3.1\rOBR|1||001013\rOBX|1|NM|^WBC^||5.8",
			want: KindResult,
		},
		{
			name: "ORU",
			raw:  "MSH|^~\\&|A|B||||||ORU^R01|1|P|2.3.1\rOBR|1||001013\rOBX|1|NM|^WBC^||5.8",
			want: KindResult,
		},
		{
			name: "no header",
			raw:  "OBR|1||001013",
			want: KindResult,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(ParseInbound([]byte(tt.raw))); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
