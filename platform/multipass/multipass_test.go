package multipass

import "testing"

func TestParseInfoCSVFindsIPv4Column(t *testing.T) {
	csvOutput := "Name,State,IPv4,Image\nfleeting-abc,Running,192.168.64.12,22.04 LTS\n"
	ip, err := parseInfoCSV(csvOutput)
	if err != nil {
		t.Fatalf("parseInfoCSV: %v", err)
	}
	if ip.String() != "192.168.64.12" {
		t.Fatalf("got %v, want 192.168.64.12", ip)
	}
}

func TestParseInfoCSVMissingColumnErrors(t *testing.T) {
	csvOutput := "Name,State\nfleeting-abc,Running\n"
	if _, err := parseInfoCSV(csvOutput); err == nil {
		t.Fatal("expected an error when the IPv4 column is absent")
	}
}

func TestParseInfoCSVNoRowsErrors(t *testing.T) {
	if _, err := parseInfoCSV("Name,State,IPv4\n"); err == nil {
		t.Fatal("expected an error when there are no data rows")
	}
}
