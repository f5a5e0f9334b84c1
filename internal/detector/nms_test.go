package detector

import "testing"

func box(x1, y1, x2, y2 float32) BoundingBox {
	return BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func TestIOU(t *testing.T) {
	tests := []struct {
		name string
		a, b BoundingBox
		want float32
	}{
		{"identical", box(0, 0, 10, 10), box(0, 0, 10, 10), 1},
		{"disjoint", box(0, 0, 10, 10), box(20, 20, 30, 30), 0},
		{"touching", box(0, 0, 10, 10), box(10, 0, 20, 10), 0},
		{"half overlap", box(0, 0, 10, 10), box(5, 0, 15, 10), 50.0 / 150.0},
		{"degenerate", box(0, 0, 0, 0), box(0, 0, 0, 0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := iou(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("iou = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNMS(t *testing.T) {
	faces := []Face{
		{BoundingBox: box(0, 0, 10, 10), Score: 0.7},
		{BoundingBox: box(1, 1, 11, 11), Score: 0.9},
		{BoundingBox: box(50, 50, 60, 60), Score: 0.8},
		{BoundingBox: box(51, 50, 61, 60), Score: 0.6},
	}

	kept := nms(faces, 0.4)
	if len(kept) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(kept))
	}
	if kept[0].Score != 0.9 || kept[1].Score != 0.8 {
		t.Errorf("expected survivors in descending score order, got %v and %v", kept[0].Score, kept[1].Score)
	}
}

func TestNMSStableOnEqualScores(t *testing.T) {
	faces := []Face{
		{BoundingBox: box(0, 0, 10, 10), Score: 0.5},
		{BoundingBox: box(30, 0, 40, 10), Score: 0.5},
		{BoundingBox: box(60, 0, 70, 10), Score: 0.5},
	}

	kept := nms(faces, 0.4)
	if len(kept) != 3 {
		t.Fatalf("expected 3 faces, got %d", len(kept))
	}
	for i, want := range []float32{0, 30, 60} {
		if kept[i].BoundingBox.X1 != want {
			t.Errorf("face %d: expected X1 %v, got %v", i, want, kept[i].BoundingBox.X1)
		}
	}
}

func TestNMSEmpty(t *testing.T) {
	if got := nms(nil, 0.4); len(got) != 0 {
		t.Errorf("expected no faces, got %d", len(got))
	}
}
