package image

func init() {
	for _, img := range []*Image{
		{
			ID:          "ubuntu-22.04",
			Name:        "Ubuntu",
			Version:     "22.04",
			BaseURL:     "https://cloud-images.ubuntu.com/jammy/current/jammy-server-cloudimg-amd64.img",
			Format:      FormatQCOW2,
			DefaultUser: "ubuntu",
		},
		{
			ID:          "ubuntu-20.04",
			Name:        "Ubuntu",
			Version:     "20.04",
			BaseURL:     "https://cloud-images.ubuntu.com/focal/current/focal-server-cloudimg-amd64.img",
			Format:      FormatQCOW2,
			DefaultUser: "ubuntu",
		},
		{
			ID:          "debian-12",
			Name:        "Debian",
			Version:     "12",
			BaseURL:     "https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-generic-amd64.qcow2",
			Format:      FormatQCOW2,
			DefaultUser: "debian",
		},
		{
			ID:          "centos-stream-9",
			Name:        "CentOS Stream",
			Version:     "9",
			BaseURL:     "https://cloud.centos.org/centos/9-stream/x86_64/images/CentOS-Stream-GenericCloud-9-latest.x86_64.qcow2",
			Format:      FormatQCOW2,
			DefaultUser: "cloud-user",
		},
		{
			ID:          "fedora-39",
			Name:        "Fedora",
			Version:     "39",
			BaseURL:     "https://download.fedoraproject.org/pub/fedora/linux/releases/39/Cloud/x86_64/images/Fedora-Cloud-Base-39-1.5.x86_64.qcow2",
			Format:      FormatQCOW2,
			DefaultUser: "fedora",
		},
	} {
		Register(img)
	}
}
